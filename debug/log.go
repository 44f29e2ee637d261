package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	file    *os.File
	mu      sync.Mutex
	enabled bool
	logger  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// DefaultPath returns ~/.config/phasorsync/debug.log
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "phasorsync", "debug.log")
}

// Enable starts debug logging to path (DefaultPath when empty). verbose
// also records Debug level lines and source positions.
func Enable(path string, verbose bool) error {
	mu.Lock()
	defer mu.Unlock()

	if enabled {
		return nil
	}
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	file = f
	enabled = true
	logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	}))
	logger.Info("=== Debug logging started ===", "category", "debug")
	return nil
}

// EnableWriter logs to w instead of a file (tests, stderr)
func EnableWriter(w io.Writer, verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	enabled = true
}

// Disable stops debug logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
	enabled = false
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Logger returns the structured logger. It discards output until Enable.
func Logger() *slog.Logger {
	l, _ := current()
	return l
}

func current() (*slog.Logger, bool) {
	mu.Lock()
	defer mu.Unlock()
	return logger, enabled
}

// Log writes a debug-level message tagged with a category
func Log(category, format string, args ...any) {
	l, on := current()
	if !on {
		return
	}
	l.Debug(fmt.Sprintf(format, args...), "category", category)
}

// LogEvery logs only every N calls (use for high-frequency events)
var counters = make(map[string]int)

func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}
