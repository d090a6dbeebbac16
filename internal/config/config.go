// Package config provides YAML configuration loading with validation and
// environment variable substitution for the guard core.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level guard configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
	GlobalLimit GlobalLimitConfig `yaml:"global_limit" json:"global_limit"`
	Limits      []LimitConfig     `yaml:"limits" json:"limits"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds diagnostics API settings. When JWTSecret is set, a
// valid bearer token is required in addition to the IP allowlist.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret   string   `yaml:"jwt_secret" json:"jwt_secret"`
}

// BreakerConfig holds circuit breaker defaults plus per-dependency
// overrides.
type BreakerConfig struct {
	FailureThreshold int                `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration      `yaml:"reset_timeout" json:"reset_timeout"`
	Dependencies     []DependencyConfig `yaml:"dependencies" json:"dependencies"`
}

// DependencyConfig overrides breaker settings for one named dependency.
type DependencyConfig struct {
	Name             string        `yaml:"name" json:"name"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// GlobalLimitConfig holds the per-IP request throttle applied to every
// inbound request.
type GlobalLimitConfig struct {
	Enabled         *bool         `yaml:"enabled" json:"enabled"`
	Window          time.Duration `yaml:"window" json:"window"`
	Max             int           `yaml:"max" json:"max"`
	ExemptPaths     []string      `yaml:"exempt_paths" json:"exempt_paths"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// IsEnabled returns whether the global limit is enabled (defaults to true).
func (g GlobalLimitConfig) IsEnabled() bool {
	if g.Enabled == nil {
		return true
	}
	return *g.Enabled
}

// LimitConfig defines one feature-scoped rate limiter (e.g. the contact
// form) with one or more rolling windows.
type LimitConfig struct {
	Name            string         `yaml:"name" json:"name"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval" json:"cleanup_interval"`
	Windows         []WindowConfig `yaml:"windows" json:"windows"`
}

// WindowConfig is one rolling window within a limiter.
type WindowConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Duration time.Duration `yaml:"duration" json:"duration"`
	Max      int           `yaml:"max" json:"max"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for
// testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Breaker defaults
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 30 * time.Second
	}
	for i := range cfg.Breaker.Dependencies {
		dep := &cfg.Breaker.Dependencies[i]
		if dep.FailureThreshold == 0 {
			dep.FailureThreshold = cfg.Breaker.FailureThreshold
		}
		if dep.ResetTimeout == 0 {
			dep.ResetTimeout = cfg.Breaker.ResetTimeout
		}
	}

	// Global limit defaults
	if cfg.GlobalLimit.Window == 0 {
		cfg.GlobalLimit.Window = 60 * time.Second
	}
	if cfg.GlobalLimit.Max == 0 {
		cfg.GlobalLimit.Max = 200
	}
	if len(cfg.GlobalLimit.ExemptPaths) == 0 {
		// Follow the configured metrics path so a relocated endpoint
		// stays exempt.
		cfg.GlobalLimit.ExemptPaths = []string{"/health", "/ready", cfg.Metrics.Path}
	}
	if cfg.GlobalLimit.CleanupInterval == 0 {
		cfg.GlobalLimit.CleanupInterval = 5 * time.Minute
	}

	for i := range cfg.Limits {
		if cfg.Limits[i].CleanupInterval == 0 {
			cfg.Limits[i].CleanupInterval = 5 * time.Minute
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive")
	}
	seenDeps := make(map[string]bool)
	for i, dep := range cfg.Breaker.Dependencies {
		if dep.Name == "" {
			return fmt.Errorf("breaker.dependencies[%d].name is required", i)
		}
		if seenDeps[dep.Name] {
			return fmt.Errorf("duplicate breaker dependency: %s", dep.Name)
		}
		seenDeps[dep.Name] = true
		if dep.FailureThreshold < 1 {
			return fmt.Errorf("breaker.dependencies[%d].failure_threshold must be positive", i)
		}
		if dep.ResetTimeout <= 0 {
			return fmt.Errorf("breaker.dependencies[%d].reset_timeout must be positive", i)
		}
	}

	if cfg.GlobalLimit.Window <= 0 {
		return fmt.Errorf("global_limit.window must be positive")
	}
	if cfg.GlobalLimit.Max < 1 {
		return fmt.Errorf("global_limit.max must be positive")
	}

	seenLimits := make(map[string]bool)
	for i, limit := range cfg.Limits {
		if limit.Name == "" {
			return fmt.Errorf("limits[%d].name is required", i)
		}
		if seenLimits[limit.Name] {
			return fmt.Errorf("duplicate limiter name: %s", limit.Name)
		}
		seenLimits[limit.Name] = true
		if len(limit.Windows) == 0 {
			return fmt.Errorf("limits[%d] must configure at least one window", i)
		}
		seenWindows := make(map[string]bool)
		for j, w := range limit.Windows {
			if w.Name == "" {
				return fmt.Errorf("limits[%d].windows[%d].name is required", i, j)
			}
			if seenWindows[w.Name] {
				return fmt.Errorf("limits[%d]: duplicate window name: %s", i, w.Name)
			}
			seenWindows[w.Name] = true
			if w.Duration <= 0 {
				return fmt.Errorf("limits[%d].windows[%d].duration must be positive", i, j)
			}
			if w.Max < 1 {
				return fmt.Errorf("limits[%d].windows[%d].max must be positive", i, j)
			}
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	return warnings
}
