package logger

import (
	"fmt"
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

// FileConfig holds rotation settings shared by the daemon log and the
// captured output of services. If StdoutPath/StderrPath are empty and Dir is
// set, service output goes to Dir/<unit>.stdout.log and Dir/<unit>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config describes the daemon logger.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug|info|warn|error
	Format string     `mapstructure:"format"` // text|json|color
	Path   string     `mapstructure:"path"`   // daemon log file, empty logs to stderr
	File   FileConfig `mapstructure:"file"`
}

// ProcessWriters opens rotating writers for the stdout and stderr of the
// named unit, creating their directories. A stream without a destination
// gets a nil writer.
func (c Config) ProcessWriters(name string) (stdout, stderr io.WriteCloser, err error) {
	paths := [2]string{c.File.StdoutPath, c.File.StderrPath}
	for i, suffix := range [2]string{"stdout", "stderr"} {
		if paths[i] == "" && c.File.Dir != "" {
			paths[i] = filepath.Join(c.File.Dir, name+"."+suffix+".log")
		}
		if paths[i] == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(paths[i]), 0o755); err != nil {
			return nil, nil, fmt.Errorf("%s log of %s: %w", suffix, name, err)
		}
	}
	if paths[0] != "" {
		stdout = c.File.rotating(paths[0])
	}
	if paths[1] != "" {
		stderr = c.File.rotating(paths[1])
	}
	return stdout, stderr, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the daemon logger. The returned closer releases the log file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		lw := c.File.rotating(c.Path)
		w, closer = lw, lw
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, true)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
