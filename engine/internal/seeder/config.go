// Package seeder generates realistic Jira, Zoom and Slack webhook traffic
// against a running engine.
package seeder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the seeder configuration, usually seeder.yaml.
type Config struct {
	Version  string         `mapstructure:"version" yaml:"version"`
	Defaults DefaultsConfig `mapstructure:"defaults" yaml:"defaults"`
	Secrets  SecretsConfig  `mapstructure:"secrets" yaml:"secrets"`
}

// DefaultsConfig holds the traffic shape.
type DefaultsConfig struct {
	EngineURL  string        `mapstructure:"engine_url" yaml:"engine_url"`
	TenantID   string        `mapstructure:"tenant_id" yaml:"tenant_id"`
	Count      int           `mapstructure:"count" yaml:"count"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Sources    []string      `mapstructure:"sources" yaml:"sources"`
	ProjectKey string        `mapstructure:"project_key" yaml:"project_key"`
	Seed       int64         `mapstructure:"seed" yaml:"seed"`
}

// SecretsConfig mirrors the engine's webhook secrets so requests verify.
type SecretsConfig struct {
	Jira  string `mapstructure:"jira" yaml:"jira"`
	Zoom  string `mapstructure:"zoom" yaml:"zoom"`
	Slack string `mapstructure:"slack" yaml:"slack"`
}

var knownSources = map[string]bool{"jira": true, "zoom": true, "slack": true}

// LoadConfig loads configuration with cascade: flags > ./seeder.yaml > ~/.merlin/seeder.yaml > defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("seeder")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SEEDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".merlin"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0")

	v.SetDefault("defaults.engine_url", "http://localhost:8090")
	v.SetDefault("defaults.tenant_id", "")
	v.SetDefault("defaults.count", 25)
	v.SetDefault("defaults.interval", 200*time.Millisecond)
	v.SetDefault("defaults.sources", []string{"jira", "zoom", "slack"})
	v.SetDefault("defaults.project_key", "MER")
	v.SetDefault("defaults.seed", 0)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Defaults.Count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if c.Defaults.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if len(c.Defaults.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for _, s := range c.Defaults.Sources {
		if !knownSources[s] {
			return fmt.Errorf("unknown source %q (want jira, zoom or slack)", s)
		}
	}
	return nil
}
