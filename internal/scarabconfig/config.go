// Package scarabconfig handles scarabd configuration loading,
// generalized from the teacher's internal/config package: same
// search-path convention, same os.ExpandEnv + yaml.v3 decode +
// defaults + validate pipeline.
package scarabconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/billdback/scarab/internal/scarab/eventlog"
	"github.com/billdback/scarab/internal/scarab/scerr"
)

// DefaultSearchPaths returns the config file search order: an explicit
// path (from -config) is checked first by FindConfig; these are the
// fallbacks in priority order.
func DefaultSearchPaths() []string {
	paths := []string{"scarab.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scarab", "scarab.yaml"))
	}
	paths = append(paths, "/etc/scarab/scarab.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise DefaultSearchPaths is searched in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// EventLoggerConfig configures the optional event logger.
type EventLoggerConfig struct {
	Path                   string `yaml:"path"`
	IncludeEntityLifecycle bool   `yaml:"include_entity_lifecycle"`
	IncludeTime            bool   `yaml:"include_time"`
	IncludeNamed           bool   `yaml:"include_named"`
}

// Filter converts the YAML-level config into an eventlog.Filter.
func (c EventLoggerConfig) Filter() eventlog.Filter {
	return eventlog.Filter{
		IncludeEntityLifecycle: c.IncludeEntityLifecycle,
		IncludeTime:            c.IncludeTime,
		IncludeNamed:           c.IncludeNamed,
	}
}

// Config holds all scarabd configuration.
type Config struct {
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	NumberSteps    int               `yaml:"number_steps"`
	StepLengthSecs float64           `yaml:"step_length"`
	EventLogger    EventLoggerConfig `yaml:"event_logger"`
	LogLevel       string            `yaml:"log_level"`
}

// StepLength converts the configured seconds-as-float into a
// time.Duration.
func (c Config) StepLength() time.Duration {
	return time.Duration(c.StepLengthSecs * float64(time.Second))
}

// Load reads, expands, and decodes the config file at path, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 1234
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration is internally consistent, after
// defaults have been applied. Returns a *scerr.ConfigurationError
// describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &scerr.ConfigurationError{Field: "port", Reason: fmt.Sprintf("%d out of range (1-65535)", c.Port)}
	}
	if c.NumberSteps < 0 {
		return &scerr.ConfigurationError{Field: "number_steps", Reason: "must be non-negative"}
	}
	if c.StepLengthSecs < 0 {
		return &scerr.ConfigurationError{Field: "step_length", Reason: "must be non-negative"}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &scerr.ConfigurationError{Field: "log_level", Reason: err.Error()}
	}
	return nil
}
