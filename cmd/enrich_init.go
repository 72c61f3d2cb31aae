package main

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cache"
	"github.com/chenders/deadonfilm-sub007/internal/cleanup"
	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/monitoring"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
	"github.com/chenders/deadonfilm-sub007/internal/run"
	"github.com/chenders/deadonfilm-sub007/internal/source"
	"github.com/chenders/deadonfilm-sub007/internal/store"
	"github.com/chenders/deadonfilm-sub007/internal/waterfall"
	anthropicpkg "github.com/chenders/deadonfilm-sub007/pkg/anthropic"
	"github.com/chenders/deadonfilm-sub007/pkg/jina"
	"github.com/chenders/deadonfilm-sub007/pkg/perplexity"
	"github.com/chenders/deadonfilm-sub007/pkg/wikidata"
)

// enrichEnv holds everything the enrich, backfill and serve commands share.
// Orchestrators are built per run from it since each run owns its ledger.
type enrichEnv struct {
	Store     store.Store
	Registry  *source.Registry
	Waterfall *waterfall.Config
	Cache     cache.Cache
	Gate      cleanup.Gate
	Throttle  *source.Throttle
	Metrics   *monitoring.Metrics
	Prom      *prometheus.Registry
	Redis     *redis.Client // nil unless the cache or schedule lock uses it
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "deadonfilm.db"
		}
		var s *store.SQLiteStore
		if s, err = store.NewSQLite(dsn); err == nil {
			st = s
		}
	case "postgres":
		var s *store.PostgresStore
		if s, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}); err == nil {
			st = s
		}
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCache builds the lookup cache for the configured driver. The redis
// client is returned so the caller can close it.
func initCache(ctx context.Context, st store.Store) (cache.Cache, *redis.Client, error) {
	ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
	switch cfg.Cache.Driver {
	case "store":
		return cache.NewStoreCache(st, ttl), nil, nil
	case "redis":
		client, err := newRedisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedisCache(client, ttl), client, nil
	case "memory":
		return cache.NewMemoryCache(ttl), nil, nil
	case "none", "":
		return nil, nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}

func newRedisClient(ctx context.Context) (*redis.Client, error) {
	return cache.NewRedisClient(ctx, cache.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// initRegistry builds the API clients and the built-in source registry.
// Sources without credentials stay registered but unavailable.
func initRegistry(calc *cost.Calculator) (*source.Registry, anthropicpkg.Client) {
	deps := source.Deps{
		Wikidata: wikidata.NewClient(
			wikidata.WithEndpoint(cfg.Wikidata.Endpoint),
			wikidata.WithUserAgent(cfg.Wikidata.UserAgent),
		),
		ClaudeModel: cfg.Anthropic.Model,
		Calculator:  calc,
		MinDelays:   make(map[string]time.Duration, len(cfg.Sources.MinDelayMS)),
	}
	for name, ms := range cfg.Sources.MinDelayMS {
		deps.MinDelays[name] = time.Duration(ms) * time.Millisecond
	}

	if cfg.Jina.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
		if cfg.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		deps.Jina = jina.NewClient(cfg.Jina.Key, jinaOpts...)
	} else {
		zap.L().Debug("DEADONFILM_JINA_KEY not set, search source disabled")
	}

	if cfg.Perplexity.Key != "" {
		deps.Perplexity = perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
	} else {
		zap.L().Debug("DEADONFILM_PERPLEXITY_KEY not set, perplexity source disabled")
	}

	var ac anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		var opts []anthropicpkg.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		ac = anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)
		deps.Anthropic = ac
	} else {
		zap.L().Debug("DEADONFILM_ANTHROPIC_KEY not set, claude source and cleanup disabled")
	}

	return source.BuiltIn(deps), ac
}

// initWaterfall loads tier and threshold overrides, if configured.
func initWaterfall() (*waterfall.Config, error) {
	wf := waterfall.NewConfig(cfg.Enrich.ConfidenceThreshold)
	if cfg.Enrich.WaterfallPath != "" {
		loaded, err := waterfall.LoadConfig(cfg.Enrich.WaterfallPath)
		if err != nil {
			return nil, err
		}
		wf = loaded
	}
	if cfg.Enrich.MinTier != "" {
		t, ok := model.ParseTier(cfg.Enrich.MinTier)
		if !ok {
			return nil, eris.Errorf("unknown min tier: %s", cfg.Enrich.MinTier)
		}
		wf.Defaults.MinTier = t
	}
	return wf, nil
}

// initEnrich validates config for mode and builds the shared environment.
// Callers should defer env.Close().
func initEnrich(ctx context.Context, mode string) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &enrichEnv{Store: st, Throttle: source.NewThrottle()}

	c, redisClient, err := initCache(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Cache = c
	env.Redis = redisClient

	wf, err := initWaterfall()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Waterfall = wf

	calc := cost.NewCalculator(cfg.Pricing)
	reg, ac := initRegistry(calc)
	env.Registry = reg
	if ac != nil {
		env.Gate = cleanup.NewClaude(ac, calc, cfg.Anthropic.CleanupModel)
	}

	env.Prom = prometheus.NewRegistry()
	env.Metrics = monitoring.NewMetrics(env.Prom)

	zap.L().Info("enrichment environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.Strings("sources", reg.Names()),
		zap.Bool("cleanup_gate", env.Gate != nil),
	)
	return env, nil
}

// orchestrator builds an orchestrator with a fresh ledger.
func (e *enrichEnv) orchestrator(limits cost.Limits) (*enrich.Orchestrator, error) {
	return enrich.New(enrich.Config{
		Registry:  e.Registry,
		Waterfall: e.Waterfall,
		Cache:     e.Cache,
		Ledger:    cost.NewLedger(limits),
		Gate:      e.Gate,
		Throttle:  e.Throttle,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMS, cfg.Retry.MaxBackoffMS, 0, -1,
		),
		Observer: e.Metrics,
	})
}

// driver builds a run driver over a fresh orchestrator and breaker.
func (e *enrichEnv) driver(limits cost.Limits, progress run.Progress) (*run.Driver, error) {
	orch, err := e.orchestrator(limits)
	if err != nil {
		return nil, err
	}
	return run.New(run.Config{
		Store:    e.Store,
		Enricher: orch,
		Breaker:  resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.Circuit.Threshold)),
		Backoff:  resilience.FromBackoffConfig(cfg.Backoff.MaxAttempts, float64(cfg.Backoff.BaseDelayMins)),
		Progress: progress,
	})
}

// baseOptions renders the configured run options.
func baseOptions() enrich.Options {
	o := enrich.DefaultOptions()
	o.Free = cfg.Sources.Free
	o.Paid = cfg.Sources.Paid
	o.AI = cfg.Sources.AI
	if len(cfg.Sources.Enabled) > 0 {
		o.Sources = make(map[string]bool, len(cfg.Sources.Enabled))
		for k, v := range cfg.Sources.Enabled {
			o.Sources[k] = v
		}
	}
	o.GatherAll = cfg.Enrich.GatherAll
	o.Cleanup = cfg.Enrich.Cleanup
	o.BypassCache = cfg.Enrich.BypassCache
	o.UseReliability = cfg.Enrich.UseReliability
	if cfg.Enrich.MinNarrativeLength > 0 {
		o.MinNarrativeLength = cfg.Enrich.MinNarrativeLength
	}
	if cfg.Enrich.Parallel > 0 {
		o.Parallel = cfg.Enrich.Parallel
	}
	return o
}

// baseLimits renders the configured cost ceilings.
func baseLimits() cost.Limits {
	return cost.Limits{
		PerItemUSD:  cfg.Enrich.ItemCostLimitUSD,
		PerBatchUSD: cfg.Enrich.BatchCostLimitUSD,
	}
}
