// Package config provides YAML configuration loading and validation for the
// bpfd daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the bpfd daemon.
type Config struct {
	// RuntimeDir is the root of the daemon's bpffs pin tree and revision
	// directories (<runtime_dir>/fs/**). Required.
	RuntimeDir string `yaml:"runtime_dir"`

	// StorePath is the path to the sqlite persistent store. Required.
	StorePath string `yaml:"store_path"`

	// ChannelBound is parsed and defaults to 32 when omitted. The daemon
	// does not read it: the command loop's FIFO depth is fixed at 32.
	ChannelBound int `yaml:"channel_bound"`

	// StaticProgramDir, if set, is scanned at startup for a declarative
	// program list replayed as Load commands (spec.md §4.G).
	StaticProgramDir string `yaml:"static_program_dir,omitempty"`

	// AdminGroup is the local group granted access to pinned maps by the
	// Map Permission Enforcer. Required.
	AdminGroup string `yaml:"admin_group"`

	// DefaultPullPolicy is one of "Always", "IfNotPresent", "Never".
	// Defaults to "IfNotPresent" when omitted. The daemon does not read it:
	// every pull passes IfNotPresent, and the bundled image managers ignore
	// the policy.
	DefaultPullPolicy string `yaml:"default_pull_policy"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAPI configures the read-only HTTP admin surface.
	AdminAPI AdminAPIConfig `yaml:"admin_api"`

	// AuditLogPath is the path to the tamper-evident audit log. Required.
	AuditLogPath string `yaml:"audit_log_path"`
}

// AdminAPIConfig holds the listen address and JWT verification material for
// the admin HTTP surface.
type AdminAPIConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "127.0.0.1:8443").
	// Defaults to "127.0.0.1:8443" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used to
	// verify bearer tokens (RS256). Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPullPolicies = map[string]bool{
	"Always":       true,
	"IfNotPresent": true,
	"Never":        true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ChannelBound == 0 {
		cfg.ChannelBound = 32
	}
	if cfg.DefaultPullPolicy == "" {
		cfg.DefaultPullPolicy = "IfNotPresent"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAPI.ListenAddr == "" {
		cfg.AdminAPI.ListenAddr = "127.0.0.1:8443"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.RuntimeDir == "" {
		errs = append(errs, errors.New("runtime_dir is required"))
	}
	if cfg.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if cfg.AdminGroup == "" {
		errs = append(errs, errors.New("admin_group is required"))
	}
	if cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("audit_log_path is required"))
	}
	if cfg.AdminAPI.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("admin_api.jwt_public_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validPullPolicies[cfg.DefaultPullPolicy] {
		errs = append(errs, fmt.Errorf("default_pull_policy %q must be one of: Always, IfNotPresent, Never", cfg.DefaultPullPolicy))
	}
	if cfg.ChannelBound < 1 {
		errs = append(errs, fmt.Errorf("channel_bound must be positive, got %d", cfg.ChannelBound))
	}

	return errors.Join(errs...)
}
