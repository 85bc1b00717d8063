// Package config provides configuration management for the pooled HTTP
// client: the connection lifecycle policy, OAuth2 client settings, and
// the sample application surface. Configuration is loaded once from a
// YAML file, defaulted, validated, and frozen; runtime reloads produce a
// new Config value instead of mutating the current one.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// Client is the connection lifecycle policy for both HTTP client
	// stacks.
	Client PolicySpec `yaml:"client"`

	// OAuth configures the optional OAuth2 client credentials flow.
	OAuth *OAuthConfig `yaml:"oauth,omitempty"`

	// Sample configures the demo application.
	Sample SampleConfig `yaml:"sample"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// policy is the resolved immutable policy.
	policy Policy
}

// OAuthConfig holds OAuth2 client credentials settings. Either Issuer
// (for token endpoint discovery via issuer metadata) or TokenEndpoint
// must be set.
type OAuthConfig struct {
	Issuer        string   `yaml:"issuer"`
	TokenEndpoint string   `yaml:"token-endpoint"`
	ClientID      string   `yaml:"client-id"`
	ClientSecret  string   `yaml:"client-secret"`
	Scopes        []string `yaml:"scopes"`
}

// Validate checks the OAuth configuration.
func (c *OAuthConfig) Validate() error {
	if c.Issuer == "" && c.TokenEndpoint == "" {
		return NewConfigError("oauth", "either issuer or token-endpoint is required")
	}
	if c.ClientID == "" {
		return NewConfigError("oauth.client-id", "required")
	}
	if c.ClientSecret == "" {
		return NewConfigError("oauth.client-secret", "required")
	}
	return nil
}

// SampleConfig configures the demo application.
type SampleConfig struct {
	// TargetURL is the URL the sample requests on startup.
	TargetURL string `yaml:"target-url"`

	// AdminListen is the listen address for the admin server exposing
	// health, stats, and metrics endpoints.
	AdminListen string `yaml:"admin-listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Policy returns the resolved connection lifecycle policy.
func (c *Config) Policy() Policy {
	return c.policy
}

// resolve applies defaults and validates all sections.
func (c *Config) resolve() error {
	policy, err := c.Client.Resolve()
	if err != nil {
		return err
	}
	c.policy = policy

	if c.OAuth != nil {
		if err := c.OAuth.Validate(); err != nil {
			return err
		}
	}

	if c.Sample.TargetURL == "" {
		c.Sample.TargetURL = "https://www.google.com"
	}
	if c.Sample.AdminListen == "" {
		c.Sample.AdminListen = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.resolve()
	return cfg
}

// Load reads, parses, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, NewConfigError("", "config file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigErrorWithCause("", fmt.Sprintf("config file does not exist: %s", path), err)
		}
		return nil, NewConfigErrorWithCause("", "failed to stat config file", err)
	}
	if info.IsDir() {
		return nil, NewConfigError("", fmt.Sprintf("config path is a directory, not a file: %s", path))
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, NewConfigErrorWithCause("", "failed to read config file", err)
	}

	return Parse(data)
}

// Parse parses, defaults, and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigErrorWithCause("", "failed to parse YAML config", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
