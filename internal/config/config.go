package config

import (
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Backoff    BackoffConfig    `yaml:"backoff" mapstructure:"backoff"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Wikidata   WikidataConfig   `yaml:"wikidata" mapstructure:"wikidata"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SourcesConfig holds the category toggles and per-source switches.
type SourcesConfig struct {
	Free    bool            `yaml:"free" mapstructure:"free"`
	Paid    bool            `yaml:"paid" mapstructure:"paid"`
	AI      bool            `yaml:"ai" mapstructure:"ai"`
	Enabled map[string]bool `yaml:"enabled" mapstructure:"enabled"`
	// MinDelayMS overrides a source's politeness delay.
	MinDelayMS map[string]int `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
}

// EnrichConfig configures the orchestrator.
type EnrichConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	ItemCostLimitUSD    float64 `yaml:"item_cost_limit_usd" mapstructure:"item_cost_limit_usd"`
	BatchCostLimitUSD   float64 `yaml:"batch_cost_limit_usd" mapstructure:"batch_cost_limit_usd"`
	Cleanup             bool    `yaml:"cleanup" mapstructure:"cleanup"`
	GatherAll           bool    `yaml:"gather_all" mapstructure:"gather_all"`
	BypassCache         bool    `yaml:"bypass_cache" mapstructure:"bypass_cache"`
	UseReliability      bool    `yaml:"use_reliability" mapstructure:"use_reliability"`
	MinTier             string  `yaml:"min_tier" mapstructure:"min_tier"`
	MinNarrativeLength  int     `yaml:"min_narrative_length" mapstructure:"min_narrative_length"`
	Parallel            int     `yaml:"parallel" mapstructure:"parallel"`
	// WaterfallPath is an optional YAML file with tier and threshold overrides.
	WaterfallPath string `yaml:"waterfall_path" mapstructure:"waterfall_path"`
}

// RetryConfig configures in-process retry of a single lookup.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BackoffConfig configures the persisted cross-run retry policy.
type BackoffConfig struct {
	MaxAttempts   int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMins int `yaml:"base_delay_mins" mapstructure:"base_delay_mins"`
}

// CircuitConfig configures the batch circuit breaker.
type CircuitConfig struct {
	Threshold int `yaml:"threshold" mapstructure:"threshold"`
}

// CacheConfig configures the lookup cache.
type CacheConfig struct {
	// Driver is one of store, redis, memory or none.
	Driver   string `yaml:"driver" mapstructure:"driver"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Model        string `yaml:"model" mapstructure:"model"`
	CleanupModel string `yaml:"cleanup_model" mapstructure:"cleanup_model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina search and reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// WikidataConfig holds SPARQL endpoint settings.
type WikidataConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ScheduleConfig configures the nightly backfill run by serve.
type ScheduleConfig struct {
	// Backfill is a standard cron spec; empty disables the schedule.
	Backfill string `yaml:"backfill" mapstructure:"backfill"`
	Limit    int    `yaml:"limit" mapstructure:"limit"`
	// LockTTLMins bounds the Redis lock that keeps replicas from running
	// the same backfill twice.
	LockTTLMins int `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEADONFILM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rates := cost.DefaultRates()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "deadonfilm.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("sources.free", true)
	v.SetDefault("sources.paid", true)
	v.SetDefault("sources.ai", true)
	v.SetDefault("enrich.confidence_threshold", 0.5)
	v.SetDefault("enrich.item_cost_limit_usd", 0.0)
	v.SetDefault("enrich.batch_cost_limit_usd", 0.0)
	v.SetDefault("enrich.cleanup", true)
	v.SetDefault("enrich.gather_all", false)
	v.SetDefault("enrich.bypass_cache", false)
	v.SetDefault("enrich.use_reliability", true)
	v.SetDefault("enrich.min_tier", "marginal")
	v.SetDefault("enrich.min_narrative_length", 200)
	v.SetDefault("enrich.parallel", 1)
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("backoff.max_attempts", 3)
	v.SetDefault("backoff.base_delay_mins", 60)
	v.SetDefault("circuit.threshold", 3)
	v.SetDefault("cache.driver", "store")
	v.SetDefault("cache.ttl_hours", 720)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	// Keys have empty defaults so env overrides are picked up by Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("jina.key", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.cleanup_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("wikidata.user_agent", "deadonfilm-enricher/1.0")
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)
	v.SetDefault("pricing.jina.min_per_query", rates.Jina.MinPerQuery)
	v.SetDefault("pricing.perplexity.per_query", rates.Perplexity.PerQuery)
	v.SetDefault("pricing.perplexity.per_mtok", rates.Perplexity.PerMTok)
	v.SetDefault("schedule.backfill", "")
	v.SetDefault("schedule.limit", 200)
	v.SetDefault("schedule.lock_ttl_mins", 120)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
}

// Validate checks the settings a command needs. mode is the command name
// (enrich, backfill, serve, runs, import).
func (c *Config) Validate(mode string) error {
	switch mode {
	case "enrich", "backfill", "serve", "runs", "import":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "enrich", "backfill", "serve":
		errs = append(errs, c.validateEnrich()...)
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Schedule.Backfill != "" {
			if _, err := cron.ParseStandard(c.Schedule.Backfill); err != nil {
				errs = append(errs, "schedule.backfill is not a valid cron spec: "+err.Error())
			}
		}
		if c.Monitoring.Enabled && c.Monitoring.FailureRateThreshold <= 0 {
			errs = append(errs, "monitoring.failure_rate_threshold must be positive")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateEnrich() []string {
	var errs []string
	e := c.Enrich
	if e.ConfidenceThreshold <= 0 || e.ConfidenceThreshold > 1 {
		errs = append(errs, "enrich.confidence_threshold must be in (0, 1]")
	}
	if e.ItemCostLimitUSD < 0 || e.BatchCostLimitUSD < 0 {
		errs = append(errs, "cost limits must not be negative")
	}
	if e.Parallel < 1 {
		errs = append(errs, "enrich.parallel must be at least 1")
	}
	if e.MinNarrativeLength < 0 {
		errs = append(errs, "enrich.min_narrative_length must not be negative")
	}
	if !c.Sources.Free && !c.Sources.Paid && !c.Sources.AI {
		errs = append(errs, "at least one of sources.free, sources.paid, sources.ai must be enabled")
	}

	switch c.Cache.Driver {
	case "store", "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when cache.driver is redis")
		}
	default:
		errs = append(errs, "cache.driver must be store, redis, memory or none")
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Backoff.MaxAttempts < 1 {
		errs = append(errs, "backoff.max_attempts must be at least 1")
	}
	if c.Circuit.Threshold < 1 {
		errs = append(errs, "circuit.threshold must be at least 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
