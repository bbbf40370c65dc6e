// Package logger provides component-tagged structured logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar)
	current = newLogger(os.Stderr, "text")
)

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Configure replaces the output sink. format is "json" or "text".
func Configure(w io.Writer, format string) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	current = newLogger(w, format)
	mu.Unlock()
}

func SetLevel(l LogLevel) {
	level.Set(toSlog(l))
}

func GetLevel() LogLevel {
	switch lv := level.Level(); {
	case lv <= slog.LevelDebug:
		return DEBUG
	case lv <= slog.LevelInfo:
		return INFO
	case lv <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error"; anything else is INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func toSlog(l LogLevel) slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func log(l LogLevel, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	lg := current
	mu.RUnlock()

	lv := toSlog(l)
	if !lg.Enabled(context.Background(), lv) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	lg.LogAttrs(context.Background(), lv, msg, attrs...)
}

func Debug(msg string) { log(DEBUG, "", msg, nil) }
func Info(msg string) { log(INFO, "", msg, nil) }
func Warn(msg string) { log(WARN, "", msg, nil) }
func Error(msg string) { log(ERROR, "", msg, nil) }
func DebugC(component, msg string) { log(DEBUG, component, msg, nil) }
func InfoC(component, msg string) { log(INFO, component, msg, nil) }
func WarnC(component, msg string) { log(WARN, component, msg, nil) }
func ErrorC(component, msg string) { log(ERROR, component, msg, nil) }
func DebugCF(component, msg string, f map[string]interface{}) { log(DEBUG, component, msg, f) }
func InfoCF(component, msg string, f map[string]interface{}) { log(INFO, component, msg, f) }
func WarnCF(component, msg string, f map[string]interface{}) { log(WARN, component, msg, f) }
func ErrorCF(component, msg string, f map[string]interface{}) { log(ERROR, component, msg, f) }
