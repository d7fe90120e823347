package lvtclient

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/livefir/lvtclient/internal/lock"
	"github.com/livefir/lvtclient/internal/patch"
	"github.com/livefir/lvtclient/internal/scope"
)

// Directives names the attributes the engine reads from the markup
type Directives struct {
	// Key lists the identity attributes, tried in order
	Key []string `yaml:"key" validate:"required,min=1,dive,required"`

	Scope     string `yaml:"scope" validate:"required"`
	Component string `yaml:"component" validate:"required"`
	Portal    string `yaml:"portal" validate:"required"`
	Update    string `yaml:"update" validate:"required"`
	Remove    string `yaml:"remove" validate:"required"`
	Removing  string `yaml:"removing" validate:"required"`
	Force     string `yaml:"force" validate:"required"`
	Ref       string `yaml:"ref" validate:"required"`
}

// Config represents the engine configuration
type Config struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// ClassPrefix prefixes the loading classes
	ClassPrefix string `yaml:"class_prefix" validate:"required"`

	// RemoveGrace bounds a removal transition; zero removes immediately
	RemoveGrace time.Duration `yaml:"remove_grace" validate:"gte=0"`

	// AckTimeout abandons unacknowledged refs; zero waits forever
	AckTimeout time.Duration `yaml:"ack_timeout" validate:"gte=0"`

	Directives Directives `yaml:"directives"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		ClassPrefix: "lvt-",
		RemoveGrace: 2 * time.Second,
		AckTimeout:  30 * time.Second,
		Directives: Directives{
			Key:       []string{"id", "data-lvt-key"},
			Scope:     "data-lvt-scope",
			Component: "data-lvt-component",
			Portal:    "data-lvt-portal",
			Update:    "lvt-update",
			Remove:    "lvt-remove",
			Removing:  "data-lvt-removing",
			Force:     "lvt-force",
			Ref:       "data-lvt-ref",
		},
	}
}

// LoadConfig reads a YAML file on top of the defaults and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of the defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Field problems come back as MultiError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if fields := ValidationToMultiError(err); len(fields) > 0 {
			return fields
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the slog level for LogLevel
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c *Config) patchConfig() patch.Config {
	d := c.Directives
	return patch.Config{
		KeyAttrs:     d.Key,
		ScopeAttr:    d.Scope,
		UpdateAttr:   d.Update,
		RemoveAttr:   d.Remove,
		RemovingAttr: d.Removing,
		ForceAttr:    d.Force,
		PrivateAttrs: []string{d.Ref},
		RemoveGrace:  c.RemoveGrace,
	}
}

func (c *Config) lockConfig() lock.Config {
	return lock.Config{
		ClassPrefix: c.ClassPrefix,
		RefAttr:     c.Directives.Ref,
		AckTimeout:  c.AckTimeout,
	}
}

func (c *Config) registryConfig() *scope.RegistryConfig {
	return &scope.RegistryConfig{
		ScopeAttr:     c.Directives.Scope,
		ComponentAttr: c.Directives.Component,
		PortalAttr:    c.Directives.Portal,
	}
}
