package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout. Durations are strings ("300ms", "5m").
type fileConfig struct {
	Hub struct {
		URL   string `toml:"url" yaml:"url"`
		Token string `toml:"token" yaml:"token"`
	} `toml:"hub" yaml:"hub"`

	Server struct {
		Listen         string   `toml:"listen" yaml:"listen"`
		APIToken       string   `toml:"api_token" yaml:"api_token"`
		AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	} `toml:"server" yaml:"server"`

	History struct {
		Path string `toml:"path" yaml:"path"`
	} `toml:"history" yaml:"history"`

	Sync struct {
		ReconnectDelay string `toml:"reconnect_delay" yaml:"reconnect_delay"`
		ResyncInterval string `toml:"resync_interval" yaml:"resync_interval"`
		LevelDebounce  string `toml:"level_debounce" yaml:"level_debounce"`
		ColorDebounce  string `toml:"color_debounce" yaml:"color_debounce"`
		PendingTimeout string `toml:"pending_timeout" yaml:"pending_timeout"`
		RequestTimeout string `toml:"request_timeout" yaml:"request_timeout"`
		ErrorTTL       string `toml:"error_ttl" yaml:"error_ttl"`
		FetchAttempts  int    `toml:"fetch_attempts" yaml:"fetch_attempts"`
	} `toml:"sync" yaml:"sync"`

	Log struct {
		Level string `toml:"level" yaml:"level"`
	} `toml:"log" yaml:"log"`
}

// LoadFile merges a TOML or YAML file (picked by extension) into c. Values of the
// form ${VAR} are expanded from the environment so tokens can stay out of the file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &fc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (use .toml or .yaml)", filepath.Ext(path))
	}

	return c.merge(&fc)
}

func (c *Config) merge(fc *fileConfig) error {
	setString(&c.HubURL, fc.Hub.URL)
	setString(&c.HubToken, fc.Hub.Token)
	setString(&c.ListenAddr, fc.Server.Listen)
	setString(&c.APIToken, fc.Server.APIToken)
	if len(fc.Server.AllowedOrigins) > 0 {
		c.AllowedOrigins = fc.Server.AllowedOrigins
	}
	setString(&c.DatabasePath, fc.History.Path)
	setString(&c.LogLevel, fc.Log.Level)
	if fc.Sync.FetchAttempts != 0 {
		c.FetchAttempts = fc.Sync.FetchAttempts
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync.reconnect_delay", fc.Sync.ReconnectDelay, &c.ReconnectDelay},
		{"sync.resync_interval", fc.Sync.ResyncInterval, &c.ResyncInterval},
		{"sync.level_debounce", fc.Sync.LevelDebounce, &c.LevelDebounce},
		{"sync.color_debounce", fc.Sync.ColorDebounce, &c.ColorDebounce},
		{"sync.pending_timeout", fc.Sync.PendingTimeout, &c.PendingTimeout},
		{"sync.request_timeout", fc.Sync.RequestTimeout, &c.RequestTimeout},
		{"sync.error_ttl", fc.Sync.ErrorTTL, &c.ErrorTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
