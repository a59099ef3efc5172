package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the action pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Streams   StreamsConfig   `mapstructure:"streams"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each oracle call site
type LLMRoutingConfig struct {
	Proposal    string `mapstructure:"proposal"`
	Evaluation  string `mapstructure:"evaluation"`
	Composition string `mapstructure:"composition"`
	Fallback    string `mapstructure:"fallback"`
}

// Validate ensures at least one provider exists and routes resolve.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must contain at least one provider")
	}
	if strings.TrimSpace(c.Routing.Fallback) == "" {
		return fmt.Errorf("llm.routing.fallback required")
	}
	routes := []string{c.Routing.Proposal, c.Routing.Evaluation, c.Routing.Composition, c.Routing.Fallback}
	for _, r := range routes {
		if r == "" {
			continue
		}
		found := false
		for _, p := range c.Providers {
			if _, ok := p.Models[r]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("llm.routing references unknown model %q", r)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. Redis is optional; an
// empty host disables streams publishing and advisory locking.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis host was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection URL, building one from parts when url is unset.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RetryConfig is the attempt budget of one oracle call site.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PipelineConfig bounds context assembly and agent behaviour.
type PipelineConfig struct {
	ActivitiesPerKind   int           `mapstructure:"activities_per_kind"`
	FutureEvents        int           `mapstructure:"future_events"`
	MaxActions          int           `mapstructure:"max_actions"`
	Proposal            RetryConfig   `mapstructure:"proposal"`
	Evaluation          RetryConfig   `mapstructure:"evaluation"`
	LookupMinConfidence float64       `mapstructure:"lookup_min_confidence"`
	LookupFetchTimeout  time.Duration `mapstructure:"lookup_fetch_timeout"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
}

// Normalize applies defaults for unset pipeline values.
func (c PipelineConfig) Normalize() PipelineConfig {
	if c.ActivitiesPerKind <= 0 {
		c.ActivitiesPerKind = 15
	}
	if c.FutureEvents <= 0 {
		c.FutureEvents = 20
	}
	if c.MaxActions <= 0 {
		c.MaxActions = 5
	}
	if c.Proposal.MaxAttempts <= 0 {
		c.Proposal.MaxAttempts = 5
	}
	if c.Proposal.Delay <= 0 {
		c.Proposal.Delay = 500 * time.Millisecond
	}
	if c.Evaluation.MaxAttempts <= 0 {
		c.Evaluation.MaxAttempts = 3
	}
	if c.Evaluation.Delay <= 0 {
		c.Evaluation.Delay = 500 * time.Millisecond
	}
	if c.LookupMinConfidence <= 0 {
		c.LookupMinConfidence = 0.5
	}
	if c.LookupFetchTimeout <= 0 {
		c.LookupFetchTimeout = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

// Validate checks pipeline bounds.
func (c PipelineConfig) Validate() error {
	if c.MaxActions > 5 {
		return fmt.Errorf("pipeline.max_actions cannot exceed 5")
	}
	if c.LookupMinConfidence < 0 || c.LookupMinConfidence > 1 {
		return fmt.Errorf("pipeline.lookup_min_confidence must be within [0,1]")
	}
	if c.Proposal.Multiplier != 0 && c.Proposal.Multiplier < 1 {
		return fmt.Errorf("pipeline.proposal.multiplier must be >= 1")
	}
	if c.Evaluation.Multiplier != 0 && c.Evaluation.Multiplier < 1 {
		return fmt.Errorf("pipeline.evaluation.multiplier must be >= 1")
	}
	return nil
}

// UsageConfig controls oracle usage capture.
type UsageConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
	// PersistPrompts stores prompt/output text in Postgres in addition to metrics.
	PersistPrompts bool `mapstructure:"persist_prompts"`
}

func (u UsageConfig) Validate() error {
	if u.SampleRate < 0 || u.SampleRate > 1 {
		return fmt.Errorf("usage.sample_rate must be within [0,1]")
	}
	return nil
}

// SchedulerConfig controls the periodic re-evaluation trigger.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// Normalize applies defaults.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if strings.TrimSpace(s.Cron) == "" {
		s.Cron = "@hourly"
	}
	return s
}

func (s SchedulerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := cronexpr.Parse(s.Cron); err != nil {
		return fmt.Errorf("scheduler.cron invalid: %w", err)
	}
	return nil
}

// StreamsConfig selects where provider commands and lifecycle events go.
type StreamsConfig struct {
	Backend        string   `mapstructure:"backend"` // redis, kafka or none
	ActionsStream  string   `mapstructure:"actions_stream"`
	MailStream     string   `mapstructure:"mail_stream"`
	CalendarStream string   `mapstructure:"calendar_stream"`
	MaxLen         int64    `mapstructure:"max_len"`
	KafkaBrokers   []string `mapstructure:"kafka_brokers"`
	KafkaTopic     string   `mapstructure:"kafka_topic"`
}

// Normalize applies defaults.
func (s StreamsConfig) Normalize() StreamsConfig {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "redis"
	}
	if s.ActionsStream == "" {
		s.ActionsStream = "dealflow.actions"
	}
	if s.MailStream == "" {
		s.MailStream = "dealflow.mail"
	}
	if s.CalendarStream == "" {
		s.CalendarStream = "dealflow.calendar"
	}
	if s.KafkaTopic == "" {
		s.KafkaTopic = s.ActionsStream
	}
	return s
}

func (s StreamsConfig) Validate() error {
	switch s.Backend {
	case "redis", "none":
		return nil
	case "kafka":
		if len(s.KafkaBrokers) == 0 {
			return fmt.Errorf("streams.kafka_brokers required for kafka backend")
		}
		return nil
	default:
		return fmt.Errorf("streams.backend %q not supported", s.Backend)
	}
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("usage.enabled", true)
	viper.SetDefault("usage.sample_rate", 1.0)
	viper.SetDefault("streams.backend", "redis")
	viper.SetDefault("scheduler.cron", "@hourly")

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEALFLOW")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (DEALFLOW_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &config
}

// Normalize applies every section's defaults in place.
func (c *Config) Normalize() {
	c.Pipeline = c.Pipeline.Normalize()
	c.Scheduler = c.Scheduler.Normalize()
	c.Streams = c.Streams.Normalize()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Telemetry.Validate,
		c.LLM.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Postgres.Validate,
		c.Pipeline.Validate,
		c.Usage.Validate,
		c.Scheduler.Validate,
		c.Streams.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	if c.Streams.Backend == "redis" && !c.Storage.Redis.Enabled() {
		return fmt.Errorf("streams.backend redis requires storage.redis.host")
	}
	return nil
}
