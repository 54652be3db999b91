package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig holds merlinctl profiles.
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles"`
	path           string
}

// CLIProfile points merlinctl at one engine deployment.
type CLIProfile struct {
	EngineURL   string `yaml:"engine_url"`
	AccessToken string `yaml:"access_token,omitempty"`
}

// DefaultEngineURL is used when no profile overrides it.
const DefaultEngineURL = "http://localhost:8090"

// DefaultCLI returns an empty configuration with the default profile selected.
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
	}
}

// LoadCLI reads the CLI config from path, or $HOME/.merlin/config.yaml.
// A missing file yields DefaultCLI.
func LoadCLI(path string) (*CLIConfig, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		path = filepath.Join(home, ".merlin", "config.yaml")
	}

	cfg := DefaultCLI()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*CLIProfile)
	}
	return cfg, nil
}

// Save writes the CLI config to disk with owner-only permissions.
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".merlin", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// SetProfile stores a profile and makes it current.
func (c *CLIConfig) SetProfile(name string, profile *CLIProfile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = profile
	c.CurrentProfile = name
}

// GetProfile retrieves a profile by name (or current profile if name is empty)
func (c *CLIConfig) GetProfile(name string) (*CLIProfile, error) {
	if name == "" {
		name = c.CurrentProfile
	}
	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}
	return profile, nil
}

// EngineURL returns the profile's engine URL, falling back to $MERLIN_ENGINE_URL and then the default.
func (c *CLIConfig) EngineURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.EngineURL != "" {
		return p.EngineURL
	}
	if env := os.Getenv("MERLIN_ENGINE_URL"); env != "" {
		return env
	}
	return DefaultEngineURL
}

// AccessToken returns the profile's reviewer token, if any.
func (c *CLIConfig) AccessToken(profile string) string {
	if p, err := c.GetProfile(profile); err == nil {
		return p.AccessToken
	}
	return ""
}
