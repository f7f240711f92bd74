package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"riskwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Claims      ClaimsConfig      `mapstructure:"claims"`
	Ethereum    EthereumConfig    `mapstructure:"ethereum"`
	Prices      PricesConfig      `mapstructure:"prices"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory repository.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig configures the shared cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CacheConfig selects the expiring cache backend and TTLs.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
	PriceTTL      time.Duration `mapstructure:"price_ttl"`
}

// AnalyticsConfig governs snapshot freshness and recompute bounds.
type AnalyticsConfig struct {
	MaxAge           time.Duration `mapstructure:"max_age"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	RecomputeTimeout time.Duration `mapstructure:"recompute_timeout"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines evaluation fan-out and delivery.
type AlertingConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Concurrency int             `mapstructure:"concurrency"`
	Dispatch    DispatchConfig  `mapstructure:"dispatch"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Telegram    TelegramConfig  `mapstructure:"telegram"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
}

// DispatchConfig bounds delivery retries.
type DispatchConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig caps outgoing sends across all channels.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WebhookConfig describes generic webhook delivery.
type WebhookConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ClaimsConfig configures payout calculation and freshness rules.
type ClaimsConfig struct {
	Payout        string        `mapstructure:"payout"`
	SeverityFloor float64       `mapstructure:"severity_floor"`
	AllowStale    bool          `mapstructure:"allow_stale"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// EthereumConfig covers on-chain balance access.
type EthereumConfig struct {
	RPCURL         string         `mapstructure:"rpc_url"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Tokens         []TrackedToken `mapstructure:"tokens"`
}

// TrackedToken is one (protocol, token) pair whose balance forms a position.
type TrackedToken struct {
	Protocol string `mapstructure:"protocol"`
	Token    string `mapstructure:"token"`
	Decimals int    `mapstructure:"decimals"`
}

// PricesConfig selects the USD price source.
type PricesConfig struct {
	Source         string            `mapstructure:"source"`
	BaseURL        string            `mapstructure:"base_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	Static         map[string]string `mapstructure:"static"`
}

// RiskConfig parameterises the default concentration model.
type RiskConfig struct {
	DefaultProtocolRisk int            `mapstructure:"default_protocol_risk"`
	ConcentrationWeight float64        `mapstructure:"concentration_weight"`
	ProtocolRisk        map[string]int `mapstructure:"protocol_risk"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs.
type MaintenanceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PurgeCache        string        `mapstructure:"purge_cache"`
	ExpirePolicies    string        `mapstructure:"expire_policies"`
	PruneDispatches   string        `mapstructure:"prune_dispatches"`
	DispatchRetention time.Duration `mapstructure:"dispatch_retention"`
}

// ServerConfig configures the ops HTTP listener.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RISKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "riskwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "riskwatch:")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.snapshot_ttl", "10m")
	v.SetDefault("cache.price_ttl", "1m")

	v.SetDefault("analytics.max_age", "5m")
	v.SetDefault("analytics.wait_timeout", "5s")
	v.SetDefault("analytics.recompute_timeout", "30s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7269736b))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.concurrency", 8)
	v.SetDefault("alerting.dispatch.max_attempts", 5)
	v.SetDefault("alerting.dispatch.initial_interval", "500ms")
	v.SetDefault("alerting.dispatch.max_interval", "10s")
	v.SetDefault("alerting.dispatch.timeout", "1m")
	v.SetDefault("alerting.rate_limit.per_second", 10.0)
	v.SetDefault("alerting.rate_limit.burst", 20)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")
	v.SetDefault("alerting.webhook.request_timeout", "10s")
	v.SetDefault("alerting.webhook.user_agent", "riskwatch/1.0")

	v.SetDefault("claims.payout", "full")
	v.SetDefault("claims.severity_floor", 0.25)
	v.SetDefault("claims.allow_stale", false)
	v.SetDefault("claims.max_age", "5m")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("prices.source", "static")
	v.SetDefault("prices.request_timeout", "10s")
	v.SetDefault("prices.user_agent", "riskwatch/1.0")

	v.SetDefault("risk.default_protocol_risk", 5000)
	v.SetDefault("risk.concentration_weight", 0.5)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.purge_cache", "@every 10m")
	v.SetDefault("maintenance.expire_policies", "@every 1m")
	v.SetDefault("maintenance.prune_dispatches", "0 3 * * *")
	v.SetDefault("maintenance.dispatch_retention", "720h")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when cache.backend=redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.SnapshotTTL <= 0 || c.Cache.PriceTTL <= 0 {
		return fmt.Errorf("cache ttls must be greater than zero")
	}
	if c.Analytics.MaxAge < 0 {
		return fmt.Errorf("analytics.max_age cannot be negative")
	}
	if c.Analytics.WaitTimeout <= 0 || c.Analytics.RecomputeTimeout <= 0 {
		return fmt.Errorf("analytics wait and recompute timeouts must be greater than zero")
	}
	if c.Alerting.Concurrency <= 0 {
		return fmt.Errorf("alerting.concurrency must be greater than zero")
	}
	if c.Alerting.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("alerting.dispatch.max_attempts must be greater than zero")
	}
	if c.Alerting.Dispatch.Timeout <= 0 {
		return fmt.Errorf("alerting.dispatch.timeout must be greater than zero")
	}
	switch c.Claims.Payout {
	case "full", "severity":
	default:
		return fmt.Errorf("claims.payout must be full or severity, got %q", c.Claims.Payout)
	}
	if c.Claims.SeverityFloor < 0 || c.Claims.SeverityFloor > 1 {
		return fmt.Errorf("claims.severity_floor must be within [0,1]")
	}
	switch c.Prices.Source {
	case "static":
	case "http":
		if c.Prices.BaseURL == "" {
			return fmt.Errorf("prices.base_url is required when prices.source=http")
		}
	default:
		return fmt.Errorf("prices.source must be static or http, got %q", c.Prices.Source)
	}
	if c.Risk.DefaultProtocolRisk < 0 || c.Risk.DefaultProtocolRisk > 10000 {
		return fmt.Errorf("risk.default_protocol_risk must be within [0,10000]")
	}
	if c.Risk.ConcentrationWeight < 0 || c.Risk.ConcentrationWeight > 1 {
		return fmt.Errorf("risk.concentration_weight must be within [0,1]")
	}
	for i, tok := range c.Ethereum.Tokens {
		if tok.Protocol == "" || tok.Token == "" {
			return fmt.Errorf("ethereum.tokens[%d] requires protocol and token", i)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return fmt.Errorf("ethereum.tokens[%d].decimals out of range", i)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
