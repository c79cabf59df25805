// Package logger configures the process-wide structured logger.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "text" or "json". Defaults to text.
	Format string
	// OutputPaths are "stderr", "stdout" or file paths. Defaults to stderr,
	// which keeps stdout free for command output.
	OutputPaths []string
}

var (
	mu      sync.RWMutex
	current *slog.Logger
	closers []io.Closer
)

// Init configures the global logger. Calling it again replaces the previous
// configuration and closes any files it opened.
func Init(cfg Config) error {
	handler, files, err := buildHandler(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	old := closers
	current = slog.New(handler)
	closers = files
	mu.Unlock()

	for _, c := range old {
		_ = c.Close()
	}
	return nil
}

func buildHandler(cfg Config) (slog.Handler, []io.Closer, error) {
	var (
		writers []io.Writer
		files   []io.Closer
	)
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	for _, out := range outputs {
		w, c, err := openWriter(out)
		if err != nil {
			for _, f := range files {
				_ = f.Close()
			}
			return nil, nil, err
		}
		if c != nil {
			files = append(files, c)
		}
		writers = append(writers, w)
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts), files, nil
	}
	return slog.NewTextHandler(w, opts), files, nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return f, f, nil
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// L returns the configured logger, initialising a default one on first use.
func L() *slog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := Init(Config{}); err != nil {
		return slog.Default()
	}
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns a child logger tagged with a component name.
func Named(component string) *slog.Logger {
	return L().With("component", component)
}

// Sync closes any log files opened by Init.
func Sync() error {
	mu.Lock()
	files := closers
	closers = nil
	mu.Unlock()

	var err error
	for _, c := range files {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Redact renders a credential in a form that is safe to log.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return "<unset>"
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:3] + "…" + secret[len(secret)-4:]
	}
}
