package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

var fixedNow = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var itemCols = []string{
	"id", "tmdb_id", "imdb_id", "wikidata_id", "name", "birthday", "deathday", "popularity",
	"cause_of_death", "cause_of_death_details", "death_location", "related_people", "has_detailed_content",
	"retry_attempts", "retry_last_attempt_at", "retry_permanently_failed", "retry_last_error", "enriched_at",
}

func itemRow(id int64, name string, deathday *time.Time) []any {
	return []any{
		id, int64(0), "", "", name, (*time.Time)(nil), deathday, 10.0,
		"", "", "", []byte(`["A. Friend"]`), false,
		2, (*time.Time)(nil), false, "timeout", (*time.Time)(nil),
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS items`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dd := time.Date(2020, 3, 4, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, tmdb_id, .* FROM items WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow(itemRow(1, "Jane Doe", &dd)...))

	it, err := s.GetItem(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", it.Name)
	assert.True(t, it.IsDeceased())
	assert.Equal(t, []string{"A. Friend"}, it.RelatedPeople)
	assert.Equal(t, 2, it.Retry.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItem_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM items WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetItem(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ItemsByIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dd := time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE id = ANY\(\$1\) ORDER BY popularity DESC`).
		WithArgs([]int64{1, 2}).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow(itemRow(1, "Jane Doe", &dd)...).
			AddRow(itemRow(2, "John Roe", &dd)...))

	items, err := s.ItemsByIDs(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ItemsMissingField(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`"death_location" = '' AND NOT retry_permanently_failed`).
		WithArgs(25).
		WillReturnRows(pgxmock.NewRows(itemCols))

	items, err := s.ItemsMissingField(context.Background(), model.FieldLocation, 25)
	require.NoError(t, err)
	assert.Empty(t, items)

	mock.ExpectQuery(`"related_people" = '\[\]'::jsonb`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemCols))
	_, err = s.ItemsMissingField(context.Background(), model.FieldRelated, 0)
	require.NoError(t, err)

	_, err = s.ItemsMissingField(context.Background(), model.Field("bogus"), 1)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_items"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_items"}, itemImportColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "items" .* ON CONFLICT \("id"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportItems(context.Background(), []model.Item{
		{ID: 1, Name: "Jane Doe"},
		{ID: 2, Name: "John Roe"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = s.ImportItems(context.Background(), []model.Item{{Name: "no id"}})
	assert.Error(t, err)
}

func TestPostgresStore_SaveEnrichment(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	res := &model.EnrichmentResult{
		Fields: map[model.Field]model.FieldValue{
			model.FieldCause: {Field: model.FieldCause, Value: "cancer", Source: "search"},
		},
		Detailed: false,
	}

	mock.ExpectExec(`UPDATE items SET\s+cause_of_death = COALESCE\(NULLIF\(\$1, ''\), cause_of_death\)`).
		WithArgs("cancer", "", "", "[]", false, pgxmock.AnyArg(), fixedNow, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.SaveEnrichment(context.Background(), 7, res))

	mock.ExpectExec(`UPDATE items SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.SaveEnrichment(context.Background(), 8, res)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRetryState(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := fixedNow.Add(-time.Hour)

	mock.ExpectExec(`UPDATE items SET retry_attempts = \$1`).
		WithArgs(3, &last, true, "auth", fixedNow, int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRetryState(context.Background(), 5, model.RetryState{
		Attempts: 3, LastAttemptAt: &last, PermanentlyFailed: true, LastError: "auth",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "running", `{"limit":5}`, pgxmock.AnyArg(), "{}", "[]", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, fixedNow, run.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRun(context.Background(), &model.Run{ID: "gone", Status: model.RunStatusFinished})
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, status, exit_reason, .* FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := fixedNow.Add(-24 * time.Hour)
	cols := []string{"id", "status", "exit_reason", "options", "counters", "total_cost_usd", "cost_by_source",
		"mutated_items", "current_item", "error", "started_at", "updated_at", "finished_at"}

	mock.ExpectQuery(`FROM runs WHERE 1=1 AND status = \$1 AND started_at >= \$2 ORDER BY started_at DESC LIMIT \$3`).
		WithArgs("finished", since, 20).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"run-1", "finished", "cost_limit", []byte(`{}`), []byte(`{"processed":4,"enriched":2}`), 1.25,
			[]byte(`{"claude":1.25}`), []byte(`[1,2]`), "", "", since, fixedNow, &fixedNow,
		))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusFinished, Since: since, Limit: 20})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.ExitCostLimit, runs[0].ExitReason)
	assert.Equal(t, 4, runs[0].Counters.Processed)
	assert.Equal(t, []int64{1, 2}, runs[0].MutatedItems)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRunItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ri := model.RunItem{RunID: "run-1", ItemID: 9, Name: "Jane Doe", StopReason: model.StopExhausted}

	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO run_items .* ON CONFLICT \(run_id, item_id\) DO UPDATE SET`).
			WithArgs("run-1", int64(9), "Jane Doe", "[]", "", 0.0, 0.0, int64(0), false, "exhausted", "", fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, s.UpsertRunItem(context.Background(), ri))
	require.NoError(t, s.UpsertRunItem(context.Background(), ri))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lookup(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT value FROM lookup_cache WHERE key = \$1 AND expires_at > \$2`).
		WithArgs("missing", fixedNow).
		WillReturnError(pgx.ErrNoRows)
	_, ok, err := s.GetLookup(ctx, "missing", fixedNow)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`SELECT value FROM lookup_cache`).
		WithArgs("k", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"success":true}`)))
	v, ok, err := s.GetLookup(ctx, "k", fixedNow)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"success":true}`, string(v))

	mock.ExpectQuery(`SELECT value FROM lookup_cache`).
		WithArgs("k", fixedNow).
		WillReturnError(errors.New("connection reset"))
	_, _, err = s.GetLookup(ctx, "k", fixedNow)
	assert.Error(t, err)

	exp := fixedNow.Add(time.Hour)
	mock.ExpectExec(`INSERT INTO lookup_cache .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("k", "claude", []byte(`{}`), fixedNow, exp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SetLookup(ctx, "k", "claude", []byte(`{}`), exp))

	mock.ExpectExec(`DELETE FROM lookup_cache WHERE expires_at <= \$1`).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := s.DeleteExpiredLookups(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
