package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewiresh/procmux/internal/protocol"
)

// FileName is the config file inside the data directory.
const FileName = "procmux.toml"

// Config is the top-level configuration loaded from procmux.toml.
type Config struct {
	// DataDir holds procmux.toml and the history database. Not read from the
	// file itself.
	DataDir string `toml:"-"`

	Log     LogConfig     `toml:"log"`
	Call    CallConfig    `toml:"call"`
	History HistoryConfig `toml:"history"`
	Serve   ServeConfig   `toml:"serve"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // auto, text, json
}

// CallConfig holds defaults for pmx call and pmx dial.
type CallConfig struct {
	Codec   string        `toml:"codec"`   // line or length
	Strict  bool          `toml:"strict"`  // unknown response ids are fatal
	Timeout time.Duration `toml:"timeout"` // per call; 0 means none
	PTY     bool          `toml:"pty"`
}

// HistoryConfig controls the call history database.
type HistoryConfig struct {
	Enabled   bool          `toml:"enabled"`
	Retention time.Duration `toml:"retention"` // 0 keeps everything
}

// ServeConfig holds defaults for pmx serve.
type ServeConfig struct {
	Listen string `toml:"listen,omitempty"` // WebSocket listen address
	Socket string `toml:"socket,omitempty"` // Unix socket path
	Token  string `toml:"token,omitempty"`  // bearer token required by the WebSocket listener
	Suffix string `toml:"suffix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "auto"},
		Call:    CallConfig{Codec: "line", Timeout: 30 * time.Second},
		History: HistoryConfig{Enabled: true, Retention: 30 * 24 * time.Hour},
		Serve:   ServeConfig{Suffix: " [ok]"},
	}
}

// DataDir returns $PROCMUX_DIR, or ~/.procmux when unset.
func DataDir() string {
	if dir := os.Getenv("PROCMUX_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procmux"
	}
	return filepath.Join(home, ".procmux")
}

// LoadConfig reads procmux.toml from dataDir, applies environment variable
// overrides and validates the result. A missing file is not an error.
func LoadConfig(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values with PROCMUX_* variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("PROCMUX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PROCMUX_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PROCMUX_CODEC"); v != "" {
		cfg.Call.Codec = v
	}
	if v := os.Getenv("PROCMUX_STRICT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROCMUX_STRICT: %w", err)
		}
		cfg.Call.Strict = b
	}
	if v := os.Getenv("PROCMUX_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROCMUX_TIMEOUT: %w", err)
		}
		cfg.Call.Timeout = d
	}
	if v := os.Getenv("PROCMUX_HISTORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROCMUX_HISTORY: %w", err)
		}
		cfg.History.Enabled = b
	}
	if v := os.Getenv("PROCMUX_TOKEN"); v != "" {
		cfg.Serve.Token = v
	}
	return nil
}

// Validate checks enumerated and numeric fields.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format)
	}
	if _, err := protocol.CodecByName(c.Call.Codec); err != nil {
		return fmt.Errorf("call.codec: %w", err)
	}
	if c.Call.Timeout < 0 {
		return fmt.Errorf("call.timeout must not be negative, got %s", c.Call.Timeout)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative, got %s", c.History.Retention)
	}
	return nil
}
