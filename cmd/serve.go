package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/monitoring"
	"github.com/chenders/deadonfilm-sub007/internal/run"
	"github.com/chenders/deadonfilm-sub007/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment API server",
	Long:  "Serves single-item enrichment, run history and Prometheus metrics over HTTP, and runs the scheduled backfill when one is configured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrich(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := newScheduler(env)
		if err != nil {
			return err
		}
		if sched != nil {
			sched.Start(ctx)
			defer sched.Stop()
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Metrics,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		api := apiDeps{
			Store:   env.Store,
			Enrich:  envEnricher(env),
			Options: baseOptions,
			Metrics: monitoring.Handler(env.Prom),
		}
		router := buildRouter(api, cfg.Server.AllowedOrigins)

		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiStore is the store surface the HTTP API reads.
type apiStore interface {
	runReader
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// enrichFunc enriches one item as its own run.
type enrichFunc func(ctx context.Context, item model.Item, opts enrich.Options) (*run.Report, error)

// apiDeps are the collaborators of the HTTP API.
type apiDeps struct {
	Store   apiStore
	Enrich  enrichFunc
	Options func() enrich.Options
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
}

func envEnricher(env *enrichEnv) enrichFunc {
	return func(ctx context.Context, item model.Item, opts enrich.Options) (*run.Report, error) {
		d, err := env.driver(baseLimits(), run.Progress{})
		if err != nil {
			return nil, err
		}
		return d.Run(ctx, []model.Item{item}, opts)
	}
}

// enrichResponse is the body of POST /enrich/{id}.
type enrichResponse struct {
	RunID      string                  `json:"run_id"`
	ExitReason model.ExitReason        `json:"exit_reason"`
	Result     *model.EnrichmentResult `json:"result,omitempty"`
}

// buildRouter wires the API routes.
func buildRouter(d apiDeps, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/enrich/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid item id")
			return
		}
		item, err := d.Store.GetItem(req.Context(), id)
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		if err != nil {
			zap.L().Error("api: load item failed", zap.Int64("item_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load item failed")
			return
		}
		if d.Enrich == nil {
			writeError(w, http.StatusServiceUnavailable, "enrichment unavailable")
			return
		}

		opts := enrich.DefaultOptions()
		if d.Options != nil {
			opts = d.Options()
		}
		q := req.URL.Query()
		if q.Get("gather_all") == "true" {
			opts.GatherAll = true
		}
		if q.Get("bypass_cache") == "true" {
			opts.BypassCache = true
		}

		rep, err := d.Enrich(req.Context(), *item, opts)
		if err != nil && !errors.Is(err, cost.ErrBatchLimit) {
			zap.L().Error("api: enrichment failed", zap.Int64("item_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enrichment failed")
			return
		}

		resp := enrichResponse{RunID: rep.Run.ID, ExitReason: rep.ExitReason}
		if len(rep.Outcomes) > 0 {
			resp.Result = rep.Outcomes[0].Result
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.RunFilter{
			Status:     model.RunStatus(q.Get("status")),
			ExitReason: model.ExitReason(q.Get("exit_reason")),
			Limit:      50,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			filter.Limit = n
		}
		runs, err := d.Store.ListRuns(req.Context(), filter)
		if err != nil {
			zap.L().Error("api: list runs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		detail, err := loadRunDetail(req.Context(), d.Store, chi.URLParam(req, "id"))
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			zap.L().Error("api: load run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load run failed")
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolvePort prefers the flag over config.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h until ctx is cancelled, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
