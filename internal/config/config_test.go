package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scan.Concurrency)
	assert.Equal(t, 50, cfg.Scan.MaxQueries)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, "memory", cfg.Intel.HistoryBackend)
	assert.Equal(t, 90*24*time.Hour, cfg.Intel.Retention())
	assert.Equal(t, "0 3 * * *", cfg.Schedule.BatchCron)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)

	require.Contains(t, cfg.Providers, "grok")
	grok := cfg.Providers["grok"]
	assert.Equal(t, "openai", grok.Kind)
	assert.Equal(t, "https://api.x.ai/v1", grok.BaseURL)
	assert.Equal(t, 90*time.Second, grok.Timeout())
	assert.True(t, cfg.Providers["openai"].JSONMode)
	assert.InDelta(t, 2.50, cfg.Providers["openai"].InputPrice, 1e-9)

	assert.Empty(t, cfg.ActiveProviders(), "no keys configured")
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: visibility.db
log:
  level: debug
  format: console
scan:
  concurrency: 8
providers:
  anthropic:
    key: sk-ant
  local:
    kind: openai
    key: local-key
    model: llama-3
    base_url: http://localhost:11434/v1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Scan.Concurrency)
	assert.Equal(t, 50, cfg.Scan.MaxQueries, "defaults still apply")
	assert.Equal(t, "llama-3", cfg.Providers["local"].Model)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Providers["anthropic"].Model)
	assert.Equal(t, []string{"anthropic", "local"}, cfg.ActiveProviders())
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)

	t.Setenv("VISIBILITY_SERVER_PORT", "3000")
	t.Setenv("VISIBILITY_PROVIDERS_OPENAI_KEY", "sk-test")
	t.Setenv("VISIBILITY_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "sk-test", cfg.Providers["openai"].Key)
	assert.Equal(t, []string{"openai"}, cfg.ActiveProviders())
}

func TestActiveProviders_Order(t *testing.T) {
	cfg := &Config{
		Scan: ScanConfig{ProviderOrder: []string{"perplexity", "openai", "missing"}},
		Providers: map[string]ProviderConfig{
			"openai":     {Key: "a"},
			"perplexity": {Key: "b"},
			"zeta":       {Key: "c"},
			"alpha":      {Key: "d"},
			"off":        {Key: "e", Disabled: true},
			"nokey":      {},
		},
	}
	assert.Equal(t, []string{"perplexity", "openai", "alpha", "zeta"}, cfg.ActiveProviders())
}

func validScanConfig() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/test"},
		Scan:      ScanConfig{Concurrency: 5},
		Providers: map[string]ProviderConfig{"openai": {Kind: "openai", Key: "k"}},
		Server:    ServerConfig{Port: 8080},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		mode    string
		wantErr []string
	}{
		{name: "scan ok", mode: "scan"},
		{name: "serve ok", mode: "serve"},
		{
			name:    "scan missing everything",
			mode:    "scan",
			mutate:  func(c *Config) { c.Store.DatabaseURL = ""; c.Providers = nil; c.Scan.Concurrency = 0 },
			wantErr: []string{"store.database_url is required", "at least one provider key", "scan.concurrency"},
		},
		{
			name:    "bad provider kind",
			mode:    "scan",
			mutate:  func(c *Config) { c.Providers["x"] = ProviderConfig{Kind: "gemini", Key: "k"} },
			wantErr: []string{"providers.x.kind"},
		},
		{
			name:   "sqlite needs no url",
			mode:   "intel",
			mutate: func(c *Config) { c.Store = StoreConfig{Driver: "sqlite"} },
		},
		{
			name:    "redis history without url",
			mode:    "intel",
			mutate:  func(c *Config) { c.Intel.HistoryBackend = "redis" },
			wantErr: []string{"intel.redis_url"},
		},
		{
			name:    "bad port",
			mode:    "serve",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: []string{"server.port"},
		},
		{
			name:    "monitoring threshold out of range",
			mode:    "serve",
			mutate:  func(c *Config) { c.Monitoring = MonitoringConfig{Enabled: true, FailureRateThreshold: 1.5} },
			wantErr: []string{"monitoring.failure_rate_threshold"},
		},
		{name: "unknown mode", mode: "bogus", wantErr: []string{"unknown validation mode"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validScanConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
