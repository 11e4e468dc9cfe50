// Package config handles homedash configuration from an optional file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all homedash configuration.
type Config struct {
	// Hub
	HubURL   string // Base URL of the hub (http:// or https://)
	HubToken string // Long-lived bearer token

	// Dashboard server
	ListenAddr     string
	APIToken       string   // Token browsers must present
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Storage
	DataDir      string
	DatabasePath string // empty disables the command history

	// Synchronization tunables
	ReconnectDelay time.Duration // fixed delay between push-channel attempts
	ResyncInterval time.Duration // fallback full-state fetch period
	LevelDebounce  time.Duration // quiet window for brightness/position sliders
	ColorDebounce  time.Duration // quiet window for color pickers
	PendingTimeout time.Duration // how long an optimistic write waits for confirmation
	RequestTimeout time.Duration // REST request timeout
	ErrorTTL       time.Duration // how long a per-entity command error stays visible
	FetchAttempts  int           // tries per full-state fetch before giving up until the next resync

	LogLevel string // debug, info, warn, error
}

// Reconnect delay bounds for the push channel.
const (
	MinReconnectDelay = 3 * time.Second
	MaxReconnectDelay = 5 * time.Second
)

// Slider debounce bounds.
const (
	MinLevelDebounce = 250 * time.Millisecond
	MaxLevelDebounce = 300 * time.Millisecond
)

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	dataDir := "/data"
	return &Config{
		ListenAddr:     ":8000",
		DataDir:        dataDir,
		DatabasePath:   dataDir + "/homedash.db",
		ReconnectDelay: 5 * time.Second,
		ResyncInterval: 5 * time.Minute,
		LevelDebounce:  300 * time.Millisecond,
		ColorDebounce:  200 * time.Millisecond,
		PendingTimeout: 8 * time.Second,
		RequestTimeout: 15 * time.Second,
		ErrorTTL:       time.Minute,
		FetchAttempts:  3,
		LogLevel:       "info",
	}
}

// Load reads the optional config file named by HOMEDASH_CONFIG, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("HOMEDASH_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from HOMEDASH_* variables.
func (c *Config) applyEnv() error {
	c.HubURL = getEnv("HOMEDASH_HUB_URL", c.HubURL)
	c.HubToken = getEnv("HOMEDASH_HUB_TOKEN", c.HubToken)
	c.ListenAddr = getEnv("HOMEDASH_LISTEN", c.ListenAddr)
	c.APIToken = getEnv("HOMEDASH_API_TOKEN", c.APIToken)
	if origins := parseOrigins("HOMEDASH_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}

	if dir := os.Getenv("HOMEDASH_DATA_DIR"); dir != "" {
		c.DataDir = dir
		c.DatabasePath = dir + "/homedash.db"
	}
	if path, ok := os.LookupEnv("HOMEDASH_DB_PATH"); ok {
		c.DatabasePath = path
	}

	var errs []string
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"HOMEDASH_RECONNECT_DELAY", &c.ReconnectDelay},
		{"HOMEDASH_RESYNC_INTERVAL", &c.ResyncInterval},
		{"HOMEDASH_LEVEL_DEBOUNCE", &c.LevelDebounce},
		{"HOMEDASH_COLOR_DEBOUNCE", &c.ColorDebounce},
		{"HOMEDASH_PENDING_TIMEOUT", &c.PendingTimeout},
		{"HOMEDASH_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"HOMEDASH_ERROR_TTL", &c.ErrorTTL},
	} {
		if err := parseDuration(d.key, d.dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := parseInt("HOMEDASH_FETCH_ATTEMPTS", &c.FetchAttempts); err != nil {
		errs = append(errs, err.Error())
	}

	c.LogLevel = getEnv("HOMEDASH_LOG_LEVEL", c.LogLevel)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.HubURL == "" {
		errs = append(errs, "HOMEDASH_HUB_URL is required")
	} else if !strings.HasPrefix(c.HubURL, "http://") && !strings.HasPrefix(c.HubURL, "https://") {
		errs = append(errs, "HOMEDASH_HUB_URL must start with http:// or https://")
	}
	if c.HubToken == "" {
		errs = append(errs, "HOMEDASH_HUB_TOKEN is required")
	}
	if c.ListenAddr != "" && c.APIToken == "" {
		errs = append(errs, "HOMEDASH_API_TOKEN is required when the dashboard server is enabled")
	}
	if c.ReconnectDelay < MinReconnectDelay || c.ReconnectDelay > MaxReconnectDelay {
		errs = append(errs, fmt.Sprintf("reconnect delay must be between %s and %s", MinReconnectDelay, MaxReconnectDelay))
	}
	if c.ResyncInterval < time.Minute {
		errs = append(errs, "resync interval must be at least 1m")
	}
	if c.LevelDebounce < MinLevelDebounce || c.LevelDebounce > MaxLevelDebounce {
		errs = append(errs, fmt.Sprintf("level debounce must be between %s and %s", MinLevelDebounce, MaxLevelDebounce))
	}
	if c.ColorDebounce <= 0 {
		errs = append(errs, "color debounce must be positive")
	}
	if c.PendingTimeout <= 0 {
		errs = append(errs, "pending timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request timeout must be positive")
	}
	if c.ErrorTTL <= 0 {
		errs = append(errs, "error TTL must be positive")
	}
	if c.FetchAttempts < 1 {
		errs = append(errs, "fetch attempts must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	// Bare numbers are seconds.
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration (e.g. 300ms, 5s)", key)
	}
	*dst = time.Duration(seconds) * time.Second
	return nil
}

func parseInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer", key)
	}
	*dst = n
	return nil
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
