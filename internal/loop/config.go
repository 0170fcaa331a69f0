package loop

import (
	"log/slog"
	"os"
	"strings"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors evloop.yml
type Config struct {
	TickQuantumUS int64  `yaml:"tick_quantum_us"` // 1000 (by default)
	SignalBuffer  int    `yaml:"signal_buffer"`   // 8 (by default)
	FilePollMS    int    `yaml:"file_poll_ms"`    // 50 (by default)
	LogLevel      string `yaml:"log_level"`       // info (by default)
	TraceCSV      string `yaml:"trace_csv"`       // empty = no CSV trace
}

// DefaultConfig is used when no config file is found.
func DefaultConfig() Config {
	return Config{
		TickQuantumUS: 1000,
		SignalBuffer:  8,
		FilePollMS:    50,
		LogLevel:      "info",
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	return cfg.clamp()
}

// sanity clamps. A zero tick quantum is allowed and disables the floor.
func (c Config) clamp() Config {
	d := DefaultConfig()
	if c.TickQuantumUS < 0 {
		c.TickQuantumUS = d.TickQuantumUS
	}
	if c.SignalBuffer <= 0 {
		c.SignalBuffer = d.SignalBuffer
	}
	if c.FilePollMS <= 0 {
		c.FilePollMS = d.FilePollMS
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// Level maps LogLevel onto a slog level; unknown names fall back to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
