package logger

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component-tagged leveled logging for the whole process. Every subsystem
// logs through this package with a short component name ("store", "agent",
// "discord") so operators can grep one platform's activity out of the
// interleaved per-platform loops.

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(INFO)
	log   = newLogger()
)

func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// SetLevel changes the minimum emitted level at runtime.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// SetOutput replaces the logger core, writing to w. Used by tests.
func SetOutput(w zapcore.WriteSyncer) {
	mu.Lock()
	defer mu.Unlock()
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	log = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, level))
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func fieldsOf(component string, extra map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(extra)+1)
	out = append(out, zap.String("component", component))
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, extra[k]))
	}
	return out
}

func DebugC(component, msg string) {
	current().Debug(msg, zap.String("component", component))
}

func DebugCF(component, msg string, fields map[string]any) {
	current().Debug(msg, fieldsOf(component, fields)...)
}

func InfoC(component, msg string) {
	current().Info(msg, zap.String("component", component))
}

func InfoCF(component, msg string, fields map[string]any) {
	current().Info(msg, fieldsOf(component, fields)...)
}

func WarnC(component, msg string) {
	current().Warn(msg, zap.String("component", component))
}

func WarnCF(component, msg string, fields map[string]any) {
	current().Warn(msg, fieldsOf(component, fields)...)
}

func ErrorC(component, msg string) {
	current().Error(msg, zap.String("component", component))
}

func ErrorCF(component, msg string, fields map[string]any) {
	current().Error(msg, fieldsOf(component, fields)...)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = current().Sync()
}
