// Package config provides configuration loading for the Merlin engine and its CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	globalConfig *Config
	once         sync.Once
)

// Config is the engine configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Jira       JiraConfig       `mapstructure:"jira"`
	Zoom       ZoomConfig       `mapstructure:"zoom"`
	Slack      SlackConfig      `mapstructure:"slack"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the persistence backend.
// Type is "postgres" or "memory".
type DatabaseConfig struct {
	Type          string         `mapstructure:"type"`
	MigrationsDir string         `mapstructure:"migrations_dir"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnectionString returns a postgres:// URL usable by pgx and golang-migrate.
func (p PostgresConfig) ConnectionString() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, sslMode)
}

// NATSConfig configures the optional durable dispatcher.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	Stream         string        `mapstructure:"stream"`
	Consumer       string        `mapstructure:"consumer"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	RedeliverDelay time.Duration `mapstructure:"redeliver_delay"`
}

// RedisConfig configures webhook rate limiting.
type RedisConfig struct {
	URL               string        `mapstructure:"url"`
	Enabled           bool          `mapstructure:"enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// OpenSearchConfig configures the run audit index.
type OpenSearchConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	Index         string `mapstructure:"index"`
	Enabled       bool   `mapstructure:"enabled"`
}

// LLMConfig configures the OpenAI-compatible chat backend used for
// impact analysis and transcript extraction.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	// FailureThreshold consecutive failures open the circuit for Cooldown.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// JiraConfig configures the Jira REST client and webhook verification.
type JiraConfig struct {
	APIBaseURL    string        `mapstructure:"api_base_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ZoomConfig configures Zoom webhook verification and transcript download.
type ZoomConfig struct {
	WebhookSecret string        `mapstructure:"webhook_secret"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SlackConfig configures Slack request signing.
type SlackConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
}

// AuthConfig holds the reviewer JWT settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// WorkflowConfig tunes impact analysis and proposal lifecycle.
type WorkflowConfig struct {
	ProposalTTL         time.Duration `mapstructure:"proposal_ttl"`
	AnalysisTimeout     time.Duration `mapstructure:"analysis_timeout"`
	MaxParallelAnalyses int           `mapstructure:"max_parallel_analyses"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
	DefaultTenantID     string        `mapstructure:"default_tenant_id"`
	DefaultActorID      string        `mapstructure:"default_actor_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MustLoad loads the configuration and panics on error.
// This initializes the global singleton.
func MustLoad(path string) {
	once.Do(func() {
		cfg, err := Load(path)
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		globalConfig = cfg
	})
}

// GetConfig returns the global configuration singleton.
// Panics if MustLoad has not been called first.
func GetConfig() *Config {
	if globalConfig == nil {
		panic("config not initialized - call MustLoad first")
	}
	return globalConfig
}

// Load reads configuration from path (a file or a directory holding config.yaml),
// falling back to $MERLIN_CONFIG_DIR/config.yaml. Environment variables with the
// MERLIN_ prefix override file values, e.g. MERLIN_DATABASE_POSTGRES_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configPath := resolvePath(path)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MERLIN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func resolvePath(path string) string {
	if path == "" {
		dir := os.Getenv("MERLIN_CONFIG_DIR")
		if dir == "" {
			dir = "/etc/merlin"
		}
		return filepath.Join(dir, "config.yaml")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, "config.yaml")
	}
	return path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.migrations_dir", "engine/migrations")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "merlin")
	v.SetDefault("database.postgres.user", "merlin")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 20)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.stream", "MERLIN_EVENTS")
	v.SetDefault("nats.consumer", "merlin-engine")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.ack_wait", "10m")
	v.SetDefault("nats.redeliver_delay", "30s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.rate_limit_requests", 600)
	v.SetDefault("redis.rate_limit_window", "1m")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index", "merlin-runs")
	v.SetDefault("opensearch.enabled", false)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.failure_threshold", 5)
	v.SetDefault("llm.cooldown", "1m")

	v.SetDefault("jira.api_base_url", "https://api.atlassian.com/ex/jira")
	v.SetDefault("jira.timeout", "30s")

	v.SetDefault("zoom.api_base_url", "https://api.zoom.us/v2")
	v.SetDefault("zoom.timeout", "30s")

	v.SetDefault("auth.jwt_secret", "change-this-in-production")
	v.SetDefault("auth.issuer", "merlin")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("workflow.proposal_ttl", "720h")
	v.SetDefault("workflow.analysis_timeout", "60s")
	v.SetDefault("workflow.max_parallel_analyses", 4)
	v.SetDefault("workflow.sweep_interval", "1h")
	v.SetDefault("workflow.run_timeout", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
