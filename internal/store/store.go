// Package store persists items, runs, run audit rows and the lookup cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// NotFoundError is returned when a keyed row does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     model.RunStatus  `json:"status,omitempty"`
	ExitReason model.ExitReason `json:"exit_reason,omitempty"`
	Since      time.Time        `json:"since,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for enrichment runs.
type Store interface {
	// Items
	UpsertItem(ctx context.Context, item model.Item) error
	ImportItems(ctx context.Context, items []model.Item) (int64, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	ItemsByIDs(ctx context.Context, ids []int64) ([]model.Item, error)
	ItemsByPopularity(ctx context.Context, minPopularity float64, limit int) ([]model.Item, error)
	ItemsMissingField(ctx context.Context, field model.Field, limit int) ([]model.Item, error)
	RetryCandidates(ctx context.Context, limit int) ([]model.Item, error)
	SaveEnrichment(ctx context.Context, itemID int64, res *model.EnrichmentResult) error
	UpdateRetryState(ctx context.Context, itemID int64, state model.RetryState) error

	// Runs
	CreateRun(ctx context.Context, options map[string]any) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Run items
	UpsertRunItem(ctx context.Context, ri model.RunItem) error
	ListRunItems(ctx context.Context, runID string) ([]model.RunItem, error)

	// Lookup cache
	GetLookup(ctx context.Context, key string, now time.Time) ([]byte, bool, error)
	SetLookup(ctx context.Context, key, source string, value []byte, expiresAt time.Time) error
	DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// fieldColumn maps a merged field to the items column that stores it.
func fieldColumn(f model.Field) (string, bool) {
	switch f {
	case model.FieldCause:
		return "cause_of_death", true
	case model.FieldNarrative:
		return "cause_of_death_details", true
	case model.FieldLocation:
		return "death_location", true
	case model.FieldRelated:
		return "related_people", true
	}
	return "", false
}

// enrichmentColumns is what SaveEnrichment writes: empty strings leave the
// stored value alone.
type enrichmentColumns struct {
	cause     string
	details   string
	location  string
	related   []string
	detailed  bool
	fieldsRaw []byte
}

// enrichmentFrom picks the columns to write. A narrative the cleanup gate
// judged non-substantive is suppressed; it stays in the fields JSON only.
func enrichmentFrom(res *model.EnrichmentResult) (enrichmentColumns, error) {
	cols := enrichmentColumns{
		cause:    res.Value(model.FieldCause),
		details:  res.Value(model.FieldNarrative),
		location: res.Value(model.FieldLocation),
		detailed: res.Detailed,
	}
	if res.CleanupRan && !res.CleanupSubstantive {
		cols.details = ""
	}
	if fv, ok := res.Fields[model.FieldRelated]; ok {
		if people, ok := fv.Value.([]string); ok {
			cols.related = people
		}
	}
	raw, err := marshalJSON(res.Fields)
	if err != nil {
		return cols, err
	}
	cols.fieldsRaw = raw
	return cols, nil
}

const itemColumns = `id, tmdb_id, imdb_id, wikidata_id, name, birthday, deathday, popularity,
	cause_of_death, cause_of_death_details, death_location, related_people, has_detailed_content,
	retry_attempts, retry_last_attempt_at, retry_permanently_failed, retry_last_error, enriched_at`

const runColumns = `id, status, exit_reason, options, counters, total_cost_usd, cost_by_source,
	mutated_items, current_item, error, started_at, updated_at, finished_at`

const runItemColumns = `run_id, item_id, name, sources, winning_source, confidence, cost_usd,
	duration_ms, detailed, stop_reason, error, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.Item, error) {
	var (
		it      model.Item
		related []byte
	)
	err := row.Scan(
		&it.ID, &it.TMDBID, &it.IMDbID, &it.WikidataID, &it.Name, &it.Birthday, &it.Deathday, &it.Popularity,
		&it.CauseOfDeath, &it.CauseOfDeathDetails, &it.DeathLocation, &related, &it.HasDetailedContent,
		&it.Retry.Attempts, &it.Retry.LastAttemptAt, &it.Retry.PermanentlyFailed, &it.Retry.LastError, &it.EnrichedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(related, &it.RelatedPeople); err != nil {
		return nil, err
	}
	return &it, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var (
		r                                   model.Run
		status, exitReason                  string
		options, counters, costs, mutations []byte
	)
	err := row.Scan(
		&r.ID, &status, &exitReason, &options, &counters, &r.TotalCostUSD, &costs,
		&mutations, &r.CurrentItem, &r.Error, &r.StartedAt, &r.UpdatedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.ExitReason = model.ExitReason(exitReason)
	for _, c := range []struct {
		raw  []byte
		dest any
	}{
		{options, &r.Options},
		{counters, &r.Counters},
		{costs, &r.CostBySource},
		{mutations, &r.MutatedItems},
	} {
		if err := unmarshalJSON(c.raw, c.dest); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func scanRunItem(row scannable) (*model.RunItem, error) {
	var (
		ri         model.RunItem
		sources    []byte
		stopReason string
	)
	err := row.Scan(
		&ri.RunID, &ri.ItemID, &ri.Name, &sources, &ri.WinningSource, &ri.Confidence, &ri.CostUSD,
		&ri.DurationMS, &ri.Detailed, &stopReason, &ri.Error, &ri.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ri.StopReason = model.StopReason(stopReason)
	if err := unmarshalJSON(sources, &ri.Sources); err != nil {
		return nil, err
	}
	return &ri, nil
}

// runJSON holds the JSON-encoded columns of a run.
type runJSON struct {
	options, counters, costs, mutations []byte
}

func encodeRun(r *model.Run) (runJSON, error) {
	var (
		out runJSON
		err error
	)
	if out.options, err = marshalJSON(orEmpty(r.Options)); err != nil {
		return out, err
	}
	if out.counters, err = marshalJSON(r.Counters); err != nil {
		return out, err
	}
	if out.costs, err = marshalJSON(orEmpty(r.CostBySource)); err != nil {
		return out, err
	}
	mutated := r.MutatedItems
	if mutated == nil {
		mutated = []int64{}
	}
	if out.mutations, err = marshalJSON(mutated); err != nil {
		return out, err
	}
	return out, nil
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func relatedJSON(people []string) ([]byte, error) {
	if people == nil {
		people = []string{}
	}
	return marshalJSON(people)
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return b, nil
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return eris.Wrap(err, "store: unmarshal json")
	}
	return nil
}
