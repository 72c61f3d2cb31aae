package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                       INTEGER PRIMARY KEY,
	tmdb_id                  INTEGER NOT NULL DEFAULT 0,
	imdb_id                  TEXT NOT NULL DEFAULT '',
	wikidata_id              TEXT NOT NULL DEFAULT '',
	name                     TEXT NOT NULL,
	birthday                 DATETIME,
	deathday                 DATETIME,
	popularity               REAL NOT NULL DEFAULT 0,
	cause_of_death           TEXT NOT NULL DEFAULT '',
	cause_of_death_details   TEXT NOT NULL DEFAULT '',
	death_location           TEXT NOT NULL DEFAULT '',
	related_people           TEXT NOT NULL DEFAULT '[]',
	has_detailed_content     INTEGER NOT NULL DEFAULT 0,
	enrichment               TEXT,
	retry_attempts           INTEGER NOT NULL DEFAULT 0,
	retry_last_attempt_at    DATETIME,
	retry_permanently_failed INTEGER NOT NULL DEFAULT 0,
	retry_last_error         TEXT NOT NULL DEFAULT '',
	enriched_at              DATETIME,
	updated_at               DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	exit_reason    TEXT NOT NULL DEFAULT '',
	options        TEXT NOT NULL DEFAULT '{}',
	counters       TEXT NOT NULL DEFAULT '{}',
	total_cost_usd REAL NOT NULL DEFAULT 0,
	cost_by_source TEXT NOT NULL DEFAULT '{}',
	mutated_items  TEXT NOT NULL DEFAULT '[]',
	current_item   TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	finished_at    DATETIME
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	item_id        INTEGER NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	sources        TEXT NOT NULL DEFAULT '[]',
	winning_source TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	detailed       INTEGER NOT NULL DEFAULT 0,
	stop_reason    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (run_id, item_id)
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	key        TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	value      BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_popularity ON items(popularity);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_lookup_cache_expires_at ON lookup_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return sqliteTime(*t)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sqliteUpsertItem = `
INSERT INTO items (id, tmdb_id, imdb_id, wikidata_id, name, birthday, deathday, popularity,
	cause_of_death, cause_of_death_details, death_location, related_people, has_detailed_content, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	tmdb_id = excluded.tmdb_id,
	imdb_id = excluded.imdb_id,
	wikidata_id = excluded.wikidata_id,
	name = excluded.name,
	birthday = excluded.birthday,
	deathday = excluded.deathday,
	popularity = excluded.popularity,
	cause_of_death = CASE WHEN excluded.cause_of_death <> '' THEN excluded.cause_of_death ELSE items.cause_of_death END,
	cause_of_death_details = CASE WHEN excluded.cause_of_death_details <> '' THEN excluded.cause_of_death_details ELSE items.cause_of_death_details END,
	death_location = CASE WHEN excluded.death_location <> '' THEN excluded.death_location ELSE items.death_location END,
	related_people = CASE WHEN excluded.related_people <> '[]' THEN excluded.related_people ELSE items.related_people END,
	has_detailed_content = MAX(items.has_detailed_content, excluded.has_detailed_content),
	updated_at = excluded.updated_at`

func (s *SQLiteStore) upsertItem(ctx context.Context, ex execer, item model.Item) error {
	if item.ID == 0 {
		return eris.New("sqlite: upsert item: id is required")
	}
	related, err := relatedJSON(item.RelatedPeople)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, sqliteUpsertItem,
		item.ID, item.TMDBID, item.IMDbID, item.WikidataID, item.Name,
		sqliteTimePtr(item.Birthday), sqliteTimePtr(item.Deathday), item.Popularity,
		item.CauseOfDeath, item.CauseOfDeathDetails, item.DeathLocation, string(related),
		item.HasDetailedContent, sqliteTime(s.now()),
	)
	return eris.Wrapf(err, "sqlite: upsert item %d", item.ID)
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item model.Item) error {
	return s.upsertItem(ctx, s.db, item)
}

// ImportItems upserts items in one transaction.
func (s *SQLiteStore) ImportItems(ctx context.Context, items []model.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, item := range items {
		if err := s.upsertItem(ctx, tx, item); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import: commit tx")
	}
	return int64(len(items)), nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "item", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %d", id)
	}
	return it, nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, op, where string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items `+where, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s: scan", op)
		}
		items = append(items, *it)
	}
	return items, eris.Wrapf(rows.Err(), "sqlite: %s: iterate", op)
}

func (s *SQLiteStore) ItemsByIDs(ctx context.Context, ids []int64) ([]model.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	where := `WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `) ORDER BY popularity DESC, id`
	return s.queryItems(ctx, "items by ids", where, args...)
}

func (s *SQLiteStore) ItemsByPopularity(ctx context.Context, minPopularity float64, limit int) ([]model.Item, error) {
	return s.queryItems(ctx, "items by popularity",
		`WHERE deathday IS NOT NULL AND popularity >= ? AND retry_permanently_failed = 0
		ORDER BY popularity DESC, id LIMIT ?`,
		minPopularity, limitOrAll(limit))
}

func (s *SQLiteStore) ItemsMissingField(ctx context.Context, field model.Field, limit int) ([]model.Item, error) {
	col, ok := fieldColumn(field)
	if !ok {
		return nil, eris.Errorf("sqlite: unknown field %q", field)
	}
	empty := "''"
	if field == model.FieldRelated {
		empty = "'[]'"
	}
	return s.queryItems(ctx, "items missing "+string(field),
		`WHERE deathday IS NOT NULL AND `+col+` = `+empty+` AND retry_permanently_failed = 0
		ORDER BY popularity DESC, id LIMIT ?`,
		limitOrAll(limit))
}

func (s *SQLiteStore) RetryCandidates(ctx context.Context, limit int) ([]model.Item, error) {
	return s.queryItems(ctx, "retry candidates",
		`WHERE deathday IS NOT NULL AND retry_attempts > 0 AND retry_permanently_failed = 0
		ORDER BY retry_last_attempt_at, popularity DESC LIMIT ?`,
		limitOrAll(limit))
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, itemID int64, res *model.EnrichmentResult) error {
	cols, err := enrichmentFrom(res)
	if err != nil {
		return err
	}
	related := "[]"
	if len(cols.related) > 0 {
		b, err := relatedJSON(cols.related)
		if err != nil {
			return err
		}
		related = string(b)
	}
	now := sqliteTime(s.now())
	r, err := s.db.ExecContext(ctx, `
		UPDATE items SET
			cause_of_death = CASE WHEN ? <> '' THEN ? ELSE cause_of_death END,
			cause_of_death_details = CASE WHEN ? <> '' THEN ? ELSE cause_of_death_details END,
			death_location = CASE WHEN ? <> '' THEN ? ELSE death_location END,
			related_people = CASE WHEN ? <> '[]' THEN ? ELSE related_people END,
			has_detailed_content = MAX(has_detailed_content, ?),
			enrichment = ?,
			enriched_at = ?,
			updated_at = ?
		WHERE id = ?`,
		cols.cause, cols.cause, cols.details, cols.details, cols.location, cols.location,
		related, related, cols.detailed, string(cols.fieldsRaw), now, now, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save enrichment %d", itemID)
	}
	return checkRowsAffected(r, "item", strconv.FormatInt(itemID, 10))
}

func (s *SQLiteStore) UpdateRetryState(ctx context.Context, itemID int64, state model.RetryState) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE items SET retry_attempts = ?, retry_last_attempt_at = ?, retry_permanently_failed = ?,
			retry_last_error = ?, updated_at = ?
		WHERE id = ?`,
		state.Attempts, sqliteTimePtr(state.LastAttemptAt), state.PermanentlyFailed,
		state.LastError, sqliteTime(s.now()), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update retry state %d", itemID)
	}
	return checkRowsAffected(r, "item", strconv.FormatInt(itemID, 10))
}

func (s *SQLiteStore) CreateRun(ctx context.Context, options map[string]any) (*model.Run, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, options, counters, cost_by_source, mutated_items, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), string(enc.options), string(enc.counters), string(enc.costs),
		string(enc.mutations), sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = s.now()
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, exit_reason = ?, counters = ?, total_cost_usd = ?, cost_by_source = ?,
			mutated_items = ?, current_item = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), string(run.ExitReason), string(enc.counters), run.TotalCostUSD, string(enc.costs),
		string(enc.mutations), run.CurrentItem, run.Error, sqliteTime(run.UpdatedAt),
		sqliteTimePtr(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(r, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "run", ID: runID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ExitReason != "" {
		query += ` AND exit_reason = ?`
		args = append(args, string(filter.ExitReason))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, sqliteTime(filter.Since))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) UpsertRunItem(ctx context.Context, ri model.RunItem) error {
	sources := ri.Sources
	if sources == nil {
		sources = []model.SourceAttempt{}
	}
	raw, err := marshalJSON(sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_items (`+runItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			name = excluded.name,
			sources = excluded.sources,
			winning_source = excluded.winning_source,
			confidence = excluded.confidence,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			detailed = excluded.detailed,
			stop_reason = excluded.stop_reason,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		ri.RunID, ri.ItemID, ri.Name, string(raw), ri.WinningSource, ri.Confidence, ri.CostUSD,
		ri.DurationMS, ri.Detailed, string(ri.StopReason), ri.Error, sqliteTime(s.now()),
	)
	return eris.Wrapf(err, "sqlite: upsert run item %s/%d", ri.RunID, ri.ItemID)
}

func (s *SQLiteStore) ListRunItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runItemColumns+` FROM run_items WHERE run_id = ? ORDER BY updated_at, item_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list run items %s", runID)
	}
	defer rows.Close()

	var out []model.RunItem
	for rows.Next() {
		ri, err := scanRunItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run item")
		}
		out = append(out, *ri)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run items")
}

func (s *SQLiteStore) GetLookup(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM lookup_cache WHERE key = ? AND expires_at > ?`, key, sqliteTime(now),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get lookup")
	}
	return value, true, nil
}

func (s *SQLiteStore) SetLookup(ctx context.Context, key, source string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lookup_cache (key, source, value, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			source = excluded.source, value = excluded.value,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, source, value, sqliteTime(s.now()), sqliteTime(expiresAt),
	)
	return eris.Wrap(err, "sqlite: set lookup")
}

func (s *SQLiteStore) DeleteExpiredLookups(ctx context.Context, now time.Time) (int, error) {
	r, err := s.db.ExecContext(ctx, `DELETE FROM lookup_cache WHERE expires_at <= ?`, sqliteTime(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired lookups")
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
