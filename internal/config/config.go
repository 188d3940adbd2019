// Package config provides YAML configuration loading and validation for the
// EarlyShield dashboard sync service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/store"
)

// Environment variables that override file values when set.
const (
	EnvAPIURL    = "EARLYSHIELD_API_URL"
	EnvLogLevel  = "EARLYSHIELD_LOG_LEVEL"
	EnvOpenAIKey = "OPENAI_API_KEY"
)

// Config is the top-level configuration for the sync service and CLI.
type Config struct {
	// APIURL is the root of the backend API, including the /api prefix.
	// Defaults to "http://localhost:8000/api".
	APIURL string `yaml:"api_url"`

	// RequestTimeout bounds every backend call made by the store
	// (e.g. "15s"). A negative value disables the bound. Defaults to 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RefreshPolicy is "all_or_nothing" (default) or "partial".
	RefreshPolicy string `yaml:"refresh_policy"`

	// IdentityPolicy is "last_resolved" (default) or "latest_requested".
	IdentityPolicy string `yaml:"identity_policy"`

	// InitialRole is the role selected at start-up. Defaults to "Admin".
	InitialRole string `yaml:"initial_role"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address of the consumer-facing HTTP mirror.
	// Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// JournalPath is the SQLite activity journal file. Defaults to
	// "earlyshield.db"; ":memory:" keeps the journal in memory.
	JournalPath string `yaml:"journal_path"`

	// JournalRetention is how long activity entries are kept by the server
	// (e.g. "168h"). A negative value keeps them forever. Defaults to 7 days.
	JournalRetention time.Duration `yaml:"journal_retention"`

	JWT    JWTConfig    `yaml:"jwt"`
	Assist AssistConfig `yaml:"assist"`
}

// JWTConfig enables RS256 bearer authentication on the /api/v1 routes.
// Authentication is off when PublicKeyPath is empty.
type JWTConfig struct {
	PublicKeyPath string `yaml:"public_key_path"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// AssistConfig selects the text-generation endpoint. The assist routes are
// disabled when no API key is configured.
type AssistConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Enabled reports whether an API key is available.
func (a AssistConfig) Enabled() bool { return a.APIKey != "" }

// DefaultJournalRetention is the activity retention used when none is set.
const DefaultJournalRetention = 7 * 24 * time.Hour

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path skips the file, leaving
// only the environment and defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		if path == "" {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyEnv overlays non-empty environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		cfg.APIURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup(EnvOpenAIKey); ok && v != "" && cfg.Assist.APIKey == "" {
		cfg.Assist.APIKey = v
	}
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8000/api"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = store.DefaultRequestTimeout
	}
	if cfg.RefreshPolicy == "" {
		cfg.RefreshPolicy = store.RefreshAllOrNothing.String()
	}
	if cfg.IdentityPolicy == "" {
		cfg.IdentityPolicy = store.IdentityLastResolved.String()
	}
	if cfg.InitialRole == "" {
		cfg.InitialRole = string(domain.RoleAdmin)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "earlyshield.db"
	}
	if cfg.JournalRetention == 0 {
		cfg.JournalRetention = DefaultJournalRetention
	}
}

// validate checks that every enumerated field holds an accepted value.
func validate(cfg *Config) error {
	var errs []error

	if u, err := url.Parse(cfg.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url %q must be an absolute http(s) URL", cfg.APIURL))
	}
	if _, err := store.ParseRefreshPolicy(cfg.RefreshPolicy); err != nil {
		errs = append(errs, fmt.Errorf("refresh_policy %q must be one of: all_or_nothing, partial", cfg.RefreshPolicy))
	}
	if _, err := store.ParseIdentityPolicy(cfg.IdentityPolicy); err != nil {
		errs = append(errs, fmt.Errorf("identity_policy %q must be one of: last_resolved, latest_requested", cfg.IdentityPolicy))
	}
	if _, err := domain.ParseRole(cfg.InitialRole); err != nil {
		errs = append(errs, fmt.Errorf("initial_role %q must be one of: Admin, Student, Management", cfg.InitialRole))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.JWT.PublicKeyPath == "" && (cfg.JWT.Issuer != "" || cfg.JWT.Audience != "") {
		errs = append(errs, errors.New("jwt.public_key_path is required when jwt.issuer or jwt.audience is set"))
	}
	if cfg.Assist.BaseURL != "" {
		if u, err := url.Parse(cfg.Assist.BaseURL); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Errorf("assist.base_url %q must be an absolute URL", cfg.Assist.BaseURL))
		}
	}

	return errors.Join(errs...)
}

// StoreOptions translates the validated policy fields into store options.
func (c *Config) StoreOptions() []store.Option {
	rp, _ := store.ParseRefreshPolicy(c.RefreshPolicy)
	ip, _ := store.ParseIdentityPolicy(c.IdentityPolicy)
	role, _ := domain.ParseRole(c.InitialRole)
	return []store.Option{
		store.WithRequestTimeout(c.RequestTimeout),
		store.WithRefreshPolicy(rp),
		store.WithIdentityPolicy(ip),
		store.WithInitialRole(role),
	}
}
