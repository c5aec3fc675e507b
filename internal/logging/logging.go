// Package logging builds the zerolog loggers used across boardsync: one
// operational logger and a separate security-violation logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const permission = 0o664

// Config selects level, output format and sinks.
type Config struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	// Path, when set, appends operational logs to a file instead of stderr.
	Path string `mapstructure:"path" json:"path"`
	// SecurityPath, when set, sends security violations to their own file.
	SecurityPath string `mapstructure:"security_path" json:"security_path"`
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Format)
	}
}

// Sink is an opened logger plus whatever file backs it.
type Sink struct {
	Logger zerolog.Logger
	file   *os.File
}

// Close releases the backing file, if any.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// New builds the operational logger.
func New(cfg Config) (*Sink, error) {
	return build(cfg, cfg.Path, os.Stderr)
}

// NewSecurityLogger builds the security-violation logger. Entries carry
// log=security so they stay separable even when both loggers share stderr.
func NewSecurityLogger(cfg Config) (*Sink, error) {
	sink, err := build(cfg, cfg.SecurityPath, os.Stderr)
	if err != nil {
		return nil, err
	}
	sink.Logger = sink.Logger.With().Str("log", "security").Logger()
	return sink, nil
}

// FromWriter builds a logger over w, for tests and embedding.
func FromWriter(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component derives a sub-logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func build(cfg Config, path string, fallback io.Writer) (*Sink, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	sink := &Sink{}
	var w io.Writer = fallback
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink.file = f
		w = zerolog.SyncWriter(f)
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	sink.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return sink, nil
}
