package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig               `yaml:"store" mapstructure:"store"`
	Providers  map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Scan       ScanConfig                `yaml:"scan" mapstructure:"scan"`
	Retry      RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig             `yaml:"circuit" mapstructure:"circuit"`
	Intel      IntelConfig               `yaml:"intel" mapstructure:"intel"`
	Events     EventsConfig              `yaml:"events" mapstructure:"events"`
	Schedule   ScheduleConfig            `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig          `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ProviderConfig configures one AI inference provider. A provider without
// a key is skipped.
type ProviderConfig struct {
	Kind              string  `yaml:"kind" mapstructure:"kind"`
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	InputPrice        float64 `yaml:"input_price" mapstructure:"input_price"`
	OutputPrice       float64 `yaml:"output_price" mapstructure:"output_price"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	JSONMode          bool    `yaml:"json_mode" mapstructure:"json_mode"`
	Disabled          bool    `yaml:"disabled" mapstructure:"disabled"`
}

// Timeout returns the per-call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Active reports whether the provider should be queried.
func (p ProviderConfig) Active() bool {
	return !p.Disabled && p.Key != ""
}

// ScanConfig configures batch scanning.
type ScanConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxQueries  int `yaml:"max_queries" mapstructure:"max_queries"`
	// ProviderOrder fixes the order results are reported in. Providers not
	// listed follow alphabetically.
	ProviderOrder []string `yaml:"provider_order" mapstructure:"provider_order"`
}

// RetryConfig configures provider retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// IntelConfig configures the competitive-intelligence engine.
type IntelConfig struct {
	HistoryBackend  string `yaml:"history_backend" mapstructure:"history_backend"`
	RedisURL        string `yaml:"redis_url" mapstructure:"redis_url"`
	RetentionDays   int    `yaml:"retention_days" mapstructure:"retention_days"`
	CompetitorsFile string `yaml:"competitors_file" mapstructure:"competitors_file"`
}

// Retention returns the snapshot retention window.
func (c IntelConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EventsConfig configures the analytics event sink. An empty broker list
// disables publishing.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ScheduleConfig holds cron specs for recurring work.
type ScheduleConfig struct {
	BatchCron  string `yaml:"batch_cron" mapstructure:"batch_cron"`
	IngestCron string `yaml:"ingest_cron" mapstructure:"ingest_cron"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures batch health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ActiveProviders returns the names of providers with credentials, in
// ProviderOrder first and then alphabetically.
func (c *Config) ActiveProviders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range c.Scan.ProviderOrder {
		if p, ok := c.Providers[name]; ok && p.Active() && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name, p := range c.Providers {
		if p.Active() && !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Validate checks the settings a command mode needs.
func (c *Config) Validate(mode string) error {
	var problems []string
	needStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "scan", "schedule":
		needStore()
		if len(c.ActiveProviders()) == 0 {
			problems = append(problems, "at least one provider key is required")
		}
		for name, p := range c.Providers {
			if !p.Active() {
				continue
			}
			switch p.Kind {
			case "openai", "anthropic", "perplexity":
			default:
				problems = append(problems, "providers."+name+".kind must be openai, anthropic or perplexity")
			}
		}
		if c.Scan.Concurrency < 1 {
			problems = append(problems, "scan.concurrency must be >= 1")
		}
	case "serve":
		needStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	case "intel", "store":
		needStore()
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if c.Intel.HistoryBackend == "redis" && c.Intel.RedisURL == "" {
		problems = append(problems, "intel.redis_url is required for the redis history backend")
	}
	if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1) {
		problems = append(problems, "monitoring.failure_rate_threshold must be in (0, 1]")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("scan.concurrency", 5)
	v.SetDefault("scan.max_queries", 50)
	v.SetDefault("scan.provider_order", []string{"openai", "anthropic", "perplexity", "grok"})
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("intel.history_backend", "memory")
	v.SetDefault("intel.redis_url", "")
	v.SetDefault("intel.retention_days", 90)
	v.SetDefault("intel.competitors_file", "competitors.yaml")
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "visibility.events")
	v.SetDefault("schedule.batch_cron", "0 3 * * *")
	v.SetDefault("schedule.ingest_cron", "0 5 * * *")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)

	setProviderDefaults(v, "openai", "openai", "gpt-4o", "", 2.50, 10.00, true)
	setProviderDefaults(v, "anthropic", "anthropic", "claude-haiku-4-5-20251001", "", 0.80, 4.00, false)
	setProviderDefaults(v, "perplexity", "perplexity", "sonar-pro", "https://api.perplexity.ai", 3.00, 15.00, false)
	setProviderDefaults(v, "grok", "openai", "grok-3", "https://api.x.ai/v1", 3.00, 15.00, false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setProviderDefaults(v *viper.Viper, name, kind, modelName, baseURL string, in, out float64, jsonMode bool) {
	prefix := "providers." + name + "."
	v.SetDefault(prefix+"kind", kind)
	v.SetDefault(prefix+"key", "")
	v.SetDefault(prefix+"model", modelName)
	v.SetDefault(prefix+"base_url", baseURL)
	v.SetDefault(prefix+"input_price", in)
	v.SetDefault(prefix+"output_price", out)
	v.SetDefault(prefix+"timeout_secs", 90)
	v.SetDefault(prefix+"requests_per_second", 2.0)
	v.SetDefault(prefix+"max_tokens", 4000)
	v.SetDefault(prefix+"temperature", 0.1)
	v.SetDefault(prefix+"json_mode", jsonMode)
	v.SetDefault(prefix+"disabled", false)
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
