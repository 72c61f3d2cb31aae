package model

import (
	"fmt"
	"strings"
	"time"
)

// Item is a person record to be enriched. It is read-only input to a run;
// the store owns writes back to the underlying row.
type Item struct {
	ID         int64  `json:"id"`
	TMDBID     int64  `json:"tmdb_id,omitempty"`
	IMDbID     string `json:"imdb_id,omitempty"`
	WikidataID string `json:"wikidata_id,omitempty"`
	Name       string `json:"name"`

	Birthday *time.Time `json:"birthday,omitempty"`
	Deathday *time.Time `json:"deathday,omitempty"`

	// Popularity orders items within a batch (higher first).
	Popularity float64 `json:"popularity"`

	// Known-but-incomplete answers from earlier runs or imports.
	CauseOfDeath        string   `json:"cause_of_death,omitempty"`
	CauseOfDeathDetails string   `json:"cause_of_death_details,omitempty"`
	DeathLocation       string   `json:"death_location,omitempty"`
	RelatedPeople       []string `json:"related_people,omitempty"`
	HasDetailedContent  bool     `json:"has_detailed_content"`

	Retry      RetryState `json:"retry"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`
}

// RetryState is the persisted retry bookkeeping for an item. It lives on the
// item row so backoff survives process restarts.
type RetryState struct {
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	PermanentlyFailed bool       `json:"permanently_failed"`
	LastError         string     `json:"last_error,omitempty"`
}

// IsDeceased reports whether the item has a recorded death date.
func (i Item) IsDeceased() bool {
	return i.Deathday != nil && !i.Deathday.IsZero()
}

// DeathYear returns the year of death, or 0 when unknown.
func (i Item) DeathYear() int {
	if !i.IsDeceased() {
		return 0
	}
	return i.Deathday.Year()
}

// BirthYear returns the year of birth, or 0 when unknown.
func (i Item) BirthYear() int {
	if i.Birthday == nil || i.Birthday.IsZero() {
		return 0
	}
	return i.Birthday.Year()
}

// LookupQuery is the query string sources are keyed on in the lookup cache.
// It is deliberately stable across runs: identity fields only.
func (i Item) LookupQuery() string {
	parts := []string{strings.TrimSpace(i.Name)}
	if y := i.BirthYear(); y != 0 {
		parts = append(parts, fmt.Sprintf("b%d", y))
	}
	if i.IsDeceased() {
		parts = append(parts, "d"+i.Deathday.Format("2006-01-02"))
	}
	if i.IMDbID != "" {
		parts = append(parts, i.IMDbID)
	}
	if i.WikidataID != "" {
		parts = append(parts, i.WikidataID)
	}
	return strings.Join(parts, " ")
}

// DeathDisplay formats the death date the way listings show it ("Jan 02, 2006").
func (i Item) DeathDisplay() string {
	if !i.IsDeceased() {
		return ""
	}
	return i.Deathday.Format("Jan 02, 2006")
}
