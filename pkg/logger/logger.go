// Package logger provides the process-wide structured logger.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var Log *slog.Logger

// Init initializes the global logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"). Unrecognised levels default to INFO.
func Init(levelStr string) {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG", "TRACE":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	base := slog.NewTextHandler(os.Stdout, opts)
	Log = slog.New(&historyHandler{Handler: base})
	slog.SetDefault(Log)
}

// historyHandler keeps a bounded ring of recent formatted log lines in
// memory, read back through History, without writing anything to disk
// (spec.md §6: no persistent state).
type historyHandler struct {
	slog.Handler
}

var (
	history    []string
	historyMu  sync.RWMutex
	maxHistory = 200
)

func (h *historyHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := fmt.Sprintf("level=%s msg=%q", r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	historyMu.Lock()
	if len(history) >= maxHistory {
		history = history[1:]
	}
	history = append(history, msg)
	historyMu.Unlock()

	return h.Handler.Handle(ctx, r)
}

// History returns a copy of the recent log lines, newest last.
func History() []string {
	historyMu.RLock()
	defer historyMu.RUnlock()
	cp := make([]string, len(history))
	copy(cp, history)
	return cp
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Fatal logs at error level and exits the process with status 1. Reserved
// for startup failures (spec.md §6 Fatal taxonomy); never called once the
// acceptor loop is running.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
