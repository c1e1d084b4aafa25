package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/modelgate/modelgate/internal/infrastructure/persistence"
)

// Config is the full gateway configuration as loaded from config.yaml.
// Values of the form ${NAME} are expanded from the environment after
// parsing, so secrets stay out of the file.
type Config struct {
	Server     ServerConfig               `mapstructure:"server" yaml:"server"`
	Log        LogConfig                  `mapstructure:"log" yaml:"log"`
	Database   persistence.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Events     EventsConfig               `mapstructure:"events" yaml:"events"`
	Metrics    MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Classifier ClassifierConfig           `mapstructure:"classifier" yaml:"classifier"`
	Breaker    BreakerConfig              `mapstructure:"breaker" yaml:"breaker"`
	Probes     ProbesConfig               `mapstructure:"probes" yaml:"probes"`
	Providers  []ProviderConfig           `mapstructure:"providers" yaml:"providers"`
	Routing    RoutingConfig              `mapstructure:"routing" yaml:"routing"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	Mode string `mapstructure:"mode" yaml:"mode"` // debug, production
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type ClassifierConfig struct {
	LongContextTokens  int      `mapstructure:"long_context_tokens" yaml:"long_context_tokens"`
	SearchTools        []string `mapstructure:"search_tools" yaml:"search_tools"`
	BackgroundPatterns []string `mapstructure:"background_patterns" yaml:"background_patterns"`
}

type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	MaxRecoveryDelay  time.Duration `mapstructure:"max_recovery_delay" yaml:"max_recovery_delay"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes" yaml:"half_open_max_probes"`
}

type ProbesConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// ProviderConfig declares one upstream account: endpoint, credential and
// the models served through it.
type ProviderConfig struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Type     string        `mapstructure:"type" yaml:"type"` // anthropic, openai_compatible, gemini, codewhisperer
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Models   []ModelConfig `mapstructure:"models" yaml:"models"`
}

// ModelConfig declares one routable pipeline under a provider.
type ModelConfig struct {
	UpstreamModel    string        `mapstructure:"upstream_model" yaml:"upstream_model"`
	Weight           int           `mapstructure:"weight" yaml:"weight,omitempty"`
	MaxConcurrent    int           `mapstructure:"max_concurrent" yaml:"max_concurrent,omitempty"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	DefaultMaxTokens int           `mapstructure:"default_max_tokens" yaml:"default_max_tokens,omitempty"`
	Hints            HintsConfig   `mapstructure:"hints" yaml:"hints,omitempty"`
}

type HintsConfig struct {
	BufferToolCalls bool   `mapstructure:"buffer_tool_calls" yaml:"buffer_tool_calls,omitempty"`
	ForceStream     string `mapstructure:"force_stream" yaml:"force_stream,omitempty"` // passthrough, on, off
	ContentShape    string `mapstructure:"content_shape" yaml:"content_shape,omitempty"`
	MaxTokensCap    int    `mapstructure:"max_tokens_cap" yaml:"max_tokens_cap,omitempty"`
}

// RoutingConfig binds categories to ordered pipeline lists.
type RoutingConfig struct {
	DefaultCategory string                    `mapstructure:"default_category" yaml:"default_category"`
	Categories      map[string]CategoryConfig `mapstructure:"categories" yaml:"categories"`
}

type CategoryConfig struct {
	Strategy     string        `mapstructure:"strategy" yaml:"strategy"`
	BaseStrategy string        `mapstructure:"base_strategy" yaml:"base_strategy,omitempty"`
	StickyTTL    time.Duration `mapstructure:"sticky_ttl" yaml:"sticky_ttl,omitempty"`
	Pipelines    []string      `mapstructure:"pipelines" yaml:"pipelines"` // "<provider>/<model>" refs
}

// Load reads the config file, merging over defaults. A .env file next to
// the working directory is loaded first so ${NAME} expansion sees it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandEnv()

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("config: no providers declared")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "production")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("classifier.long_context_tokens", 60000)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.max_recovery_delay", "5m")
	v.SetDefault("breaker.half_open_max_probes", 1)
	v.SetDefault("probes.interval", "30s")
	v.SetDefault("probes.timeout", "10s")
	v.SetDefault("probes.failure_threshold", 3)
	v.SetDefault("routing.default_category", "default")
}

// expandEnv resolves ${NAME} references in credential fields.
func (c *Config) expandEnv() {
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
}

// Dump renders the effective configuration as YAML with credentials
// masked, for the `config` command and debugging.
func (c *Config) Dump() (string, error) {
	masked := *c
	masked.Providers = make([]ProviderConfig, len(c.Providers))
	copy(masked.Providers, c.Providers)
	for i := range masked.Providers {
		if masked.Providers[i].APIKey != "" {
			masked.Providers[i].APIKey = "****"
		}
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
