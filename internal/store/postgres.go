package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/db"
	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                       BIGINT PRIMARY KEY,
	tmdb_id                  BIGINT NOT NULL DEFAULT 0,
	imdb_id                  TEXT NOT NULL DEFAULT '',
	wikidata_id              TEXT NOT NULL DEFAULT '',
	name                     TEXT NOT NULL,
	birthday                 TIMESTAMPTZ,
	deathday                 TIMESTAMPTZ,
	popularity               DOUBLE PRECISION NOT NULL DEFAULT 0,
	cause_of_death           TEXT NOT NULL DEFAULT '',
	cause_of_death_details   TEXT NOT NULL DEFAULT '',
	death_location           TEXT NOT NULL DEFAULT '',
	related_people           JSONB NOT NULL DEFAULT '[]',
	has_detailed_content     BOOLEAN NOT NULL DEFAULT false,
	enrichment               JSONB,
	retry_attempts           INTEGER NOT NULL DEFAULT 0,
	retry_last_attempt_at    TIMESTAMPTZ,
	retry_permanently_failed BOOLEAN NOT NULL DEFAULT false,
	retry_last_error         TEXT NOT NULL DEFAULT '',
	enriched_at              TIMESTAMPTZ,
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	exit_reason    TEXT NOT NULL DEFAULT '',
	options        JSONB NOT NULL DEFAULT '{}',
	counters       JSONB NOT NULL DEFAULT '{}',
	total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_by_source JSONB NOT NULL DEFAULT '{}',
	mutated_items  JSONB NOT NULL DEFAULT '[]',
	current_item   TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	item_id        BIGINT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	sources        JSONB NOT NULL DEFAULT '[]',
	winning_source TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	detailed       BOOLEAN NOT NULL DEFAULT false,
	stop_reason    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, item_id)
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	key        TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	value      BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_popularity ON items(popularity DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_lookup_cache_expires_at ON lookup_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// itemImportColumns are the columns ImportItems stages with COPY.
var itemImportColumns = []string{
	"id", "tmdb_id", "imdb_id", "wikidata_id", "name", "birthday", "deathday", "popularity",
	"cause_of_death", "cause_of_death_details", "death_location", "related_people",
	"has_detailed_content", "updated_at",
}

func (s *PostgresStore) UpsertItem(ctx context.Context, item model.Item) error {
	if item.ID == 0 {
		return eris.New("postgres: upsert item: id is required")
	}
	related, err := relatedJSON(item.RelatedPeople)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO items (id, tmdb_id, imdb_id, wikidata_id, name, birthday, deathday, popularity,
			cause_of_death, cause_of_death_details, death_location, related_people, has_detailed_content, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			tmdb_id = EXCLUDED.tmdb_id,
			imdb_id = EXCLUDED.imdb_id,
			wikidata_id = EXCLUDED.wikidata_id,
			name = EXCLUDED.name,
			birthday = EXCLUDED.birthday,
			deathday = EXCLUDED.deathday,
			popularity = EXCLUDED.popularity,
			cause_of_death = COALESCE(NULLIF(EXCLUDED.cause_of_death, ''), items.cause_of_death),
			cause_of_death_details = COALESCE(NULLIF(EXCLUDED.cause_of_death_details, ''), items.cause_of_death_details),
			death_location = COALESCE(NULLIF(EXCLUDED.death_location, ''), items.death_location),
			related_people = CASE WHEN EXCLUDED.related_people <> '[]'::jsonb THEN EXCLUDED.related_people ELSE items.related_people END,
			has_detailed_content = items.has_detailed_content OR EXCLUDED.has_detailed_content,
			updated_at = EXCLUDED.updated_at`,
		item.ID, item.TMDBID, item.IMDbID, item.WikidataID, item.Name,
		item.Birthday, item.Deathday, item.Popularity,
		item.CauseOfDeath, item.CauseOfDeathDetails, item.DeathLocation, string(related),
		item.HasDetailedContent, s.now(),
	)
	return eris.Wrapf(err, "postgres: upsert item %d", item.ID)
}

// ImportItems bulk loads items through a COPY-staged upsert. Unlike
// UpsertItem, imported values replace stored ones outright.
func (s *PostgresStore) ImportItems(ctx context.Context, items []model.Item) (int64, error) {
	now := s.now()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		if it.ID == 0 {
			return 0, eris.Errorf("postgres: import: item %q has no id", it.Name)
		}
		related, err := relatedJSON(it.RelatedPeople)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			it.ID, it.TMDBID, it.IMDbID, it.WikidataID, it.Name, it.Birthday, it.Deathday, it.Popularity,
			it.CauseOfDeath, it.CauseOfDeathDetails, it.DeathLocation, string(related),
			it.HasDetailedContent, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "items",
		Columns:      itemImportColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import items")
	}
	return n, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "item", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %d", id)
	}
	return it, nil
}

func (s *PostgresStore) queryItems(ctx context.Context, op, where string, args ...any) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM items `+where, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s: scan", op)
		}
		items = append(items, *it)
	}
	return items, eris.Wrapf(rows.Err(), "postgres: %s: iterate", op)
}

func (s *PostgresStore) ItemsByIDs(ctx context.Context, ids []int64) ([]model.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryItems(ctx, "items by ids", `WHERE id = ANY($1) ORDER BY popularity DESC, id`, ids)
}

func (s *PostgresStore) ItemsByPopularity(ctx context.Context, minPopularity float64, limit int) ([]model.Item, error) {
	return s.queryItems(ctx, "items by popularity",
		`WHERE deathday IS NOT NULL AND popularity >= $1 AND NOT retry_permanently_failed
		ORDER BY popularity DESC, id LIMIT $2`,
		minPopularity, pgLimit(limit))
}

func (s *PostgresStore) ItemsMissingField(ctx context.Context, field model.Field, limit int) ([]model.Item, error) {
	col, ok := fieldColumn(field)
	if !ok {
		return nil, eris.Errorf("postgres: unknown field %q", field)
	}
	empty := "''"
	if field == model.FieldRelated {
		empty = "'[]'::jsonb"
	}
	where := fmt.Sprintf(`WHERE deathday IS NOT NULL AND %s = %s AND NOT retry_permanently_failed
		ORDER BY popularity DESC, id LIMIT $1`, pgx.Identifier{col}.Sanitize(), empty)
	return s.queryItems(ctx, "items missing "+string(field), where, pgLimit(limit))
}

func (s *PostgresStore) RetryCandidates(ctx context.Context, limit int) ([]model.Item, error) {
	return s.queryItems(ctx, "retry candidates",
		`WHERE deathday IS NOT NULL AND retry_attempts > 0 AND NOT retry_permanently_failed
		ORDER BY retry_last_attempt_at NULLS FIRST, popularity DESC LIMIT $1`,
		pgLimit(limit))
}

func (s *PostgresStore) SaveEnrichment(ctx context.Context, itemID int64, res *model.EnrichmentResult) error {
	cols, err := enrichmentFrom(res)
	if err != nil {
		return err
	}
	related, err := relatedJSON(cols.related)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET
			cause_of_death = COALESCE(NULLIF($1, ''), cause_of_death),
			cause_of_death_details = COALESCE(NULLIF($2, ''), cause_of_death_details),
			death_location = COALESCE(NULLIF($3, ''), death_location),
			related_people = CASE WHEN $4::jsonb <> '[]'::jsonb THEN $4::jsonb ELSE related_people END,
			has_detailed_content = has_detailed_content OR $5,
			enrichment = $6,
			enriched_at = $7,
			updated_at = $7
		WHERE id = $8`,
		cols.cause, cols.details, cols.location, string(related), cols.detailed,
		string(cols.fieldsRaw), s.now(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save enrichment %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "item", ID: strconv.FormatInt(itemID, 10)}
	}
	return nil
}

func (s *PostgresStore) UpdateRetryState(ctx context.Context, itemID int64, state model.RetryState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET retry_attempts = $1, retry_last_attempt_at = $2, retry_permanently_failed = $3,
			retry_last_error = $4, updated_at = $5
		WHERE id = $6`,
		state.Attempts, state.LastAttemptAt, state.PermanentlyFailed, state.LastError, s.now(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update retry state %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "item", ID: strconv.FormatInt(itemID, 10)}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, options map[string]any) (*model.Run, error) {
	now := s.now()
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Options:   options,
		StartedAt: now,
		UpdatedAt: now,
	}
	enc, err := encodeRun(run)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, options, counters, cost_by_source, mutated_items, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, string(run.Status), string(enc.options), string(enc.counters), string(enc.costs),
		string(enc.mutations), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = s.now()
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, exit_reason = $2, counters = $3, total_cost_usd = $4, cost_by_source = $5,
			mutated_items = $6, current_item = $7, error = $8, updated_at = $9, finished_at = $10
		WHERE id = $11`,
		string(run.Status), string(run.ExitReason), string(enc.counters), run.TotalCostUSD, string(enc.costs),
		string(enc.mutations), run.CurrentItem, run.Error, run.UpdatedAt, run.FinishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "run", ID: run.ID}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "run", ID: runID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.ExitReason != "" {
		query += ` AND exit_reason = ` + arg(string(filter.ExitReason))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ` + arg(filter.Since)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) UpsertRunItem(ctx context.Context, ri model.RunItem) error {
	sources := ri.Sources
	if sources == nil {
		sources = []model.SourceAttempt{}
	}
	raw, err := marshalJSON(sources)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_items (`+runItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			name = EXCLUDED.name,
			sources = EXCLUDED.sources,
			winning_source = EXCLUDED.winning_source,
			confidence = EXCLUDED.confidence,
			cost_usd = EXCLUDED.cost_usd,
			duration_ms = EXCLUDED.duration_ms,
			detailed = EXCLUDED.detailed,
			stop_reason = EXCLUDED.stop_reason,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		ri.RunID, ri.ItemID, ri.Name, string(raw), ri.WinningSource, ri.Confidence, ri.CostUSD,
		ri.DurationMS, ri.Detailed, string(ri.StopReason), ri.Error, s.now(),
	)
	return eris.Wrapf(err, "postgres: upsert run item %s/%d", ri.RunID, ri.ItemID)
}

func (s *PostgresStore) ListRunItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runItemColumns+` FROM run_items WHERE run_id = $1 ORDER BY updated_at, item_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list run items %s", runID)
	}
	defer rows.Close()

	var out []model.RunItem
	for rows.Next() {
		ri, err := scanRunItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run item")
		}
		out = append(out, *ri)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate run items")
}

func (s *PostgresStore) GetLookup(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM lookup_cache WHERE key = $1 AND expires_at > $2`, key, now,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get lookup")
	}
	return value, true, nil
}

func (s *PostgresStore) SetLookup(ctx context.Context, key, source string, value []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lookup_cache (key, source, value, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			source = EXCLUDED.source, value = EXCLUDED.value,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		key, source, value, s.now(), expiresAt,
	)
	return eris.Wrap(err, "postgres: set lookup")
}

func (s *PostgresStore) DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lookup_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired lookups")
	}
	return int(tag.RowsAffected()), nil
}

// pgLimit maps a non-positive limit to no limit (LIMIT NULL).
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
