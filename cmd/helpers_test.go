//go:build !integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/config"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/store"
)

const wikidataHit = `{"results":{"bindings":[{
  "person": {"type": "uri", "value": "http://www.wikidata.org/entity/Q42"},
  "causeLabel": {"type": "literal", "value": "myocardial infarction"},
  "placeLabel": {"type": "literal", "value": "Santa Barbara"}
}]}}`

// useTestConfig loads defaults in a temp dir and points the store at a
// fresh SQLite file. Every network source is left without credentials;
// wikidata answers from a local server.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "test.db")
	c.Cache.Driver = "memory"
	c.Sources.MinDelayMS = map[string]int{"wikidata": 0}
	c.Retry.InitialBackoffMS = 1
	c.Retry.MaxBackoffMS = 1

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/sparql-results+json")
		_, _ = w.Write([]byte(wikidataHit))
	}))
	t.Cleanup(srv.Close)
	c.Wikidata.Endpoint = srv.URL

	old := cfg
	cfg = c
	t.Cleanup(func() { cfg = old })
	return c
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testItems() []model.Item {
	return []model.Item{
		{ID: 1, Name: "Jane Doe", Deathday: day(2020, 3, 4), Popularity: 40, WikidataID: "Q42"},
		{ID: 2, Name: "John Roe", Deathday: day(2019, 1, 2), Popularity: 12},
		{ID: 3, Name: "Old Star", Deathday: day(1999, 7, 7), Popularity: 5, CauseOfDeath: "stroke"},
	}
}

func newSeededStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	_, err = st.ImportItems(context.Background(), testItems())
	require.NoError(t, err)
	return st
}
