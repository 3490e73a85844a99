package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls how records are rendered.
type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool // only honoured for text output
	TimeStamps bool
	Source     bool
}

// FileConfig describes a rotating log file. Path wins over Dir, in which
// case the file is Dir/<name>.log. Rotation parameters follow lumberjack
// semantics.
type FileConfig struct {
	Dir        string
	Path       string
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // Gzip rotated files
}

// Config is the logging setup of one process.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, TimeStamps: true}}
}

// Enabled reports whether a log file is configured.
func (c Config) Enabled() bool { return c.File.Path != "" || c.File.Dir != "" }

// Writer returns a rotating writer for name, or nil when no file is
// configured.
func (c Config) Writer(name string) io.WriteCloser {
	p := c.File.Path
	if p == "" && c.File.Dir != "" {
		p = filepath.Join(c.File.Dir, name+".log")
	}
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger logs to the configured file, or to stderr.
func (c Config) NewSlogger() *slog.Logger {
	if w := c.Writer("deployr"); w != nil {
		return c.NewSloggerTo(w)
	}
	return c.NewSloggerTo(os.Stderr)
}

// NewSloggerTo builds a logger writing to w.
func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Slog.Level.slog(), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ServerLogger is the install server's logger. Its stdout carries the
// protocol and its stderr is read by the launcher, so it only ever logs
// to a file; without one everything is discarded.
func (c Config) ServerLogger() *slog.Logger {
	w := c.Writer("install_server")
	if w == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.NewSloggerTo(w)
}

func (l Level) slog() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
