// Package logging provides categorized zap-based logging for vecmem.
// Every subsystem logs through a named child of one shared logger, so the
// level and encoding are controlled in a single place.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names the logging subsystems.
type Category string

const (
	CategoryStore     Category = "store"     // SQLite operations
	CategoryEmbedding Category = "embedding" // Embedding engine calls
	CategoryNormalize Category = "normalize" // Snapshot/preview/apply/restore
	CategoryCLI       Category = "cli"       // Command-line surface
)

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugared = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the shared logger. debug switches to the development
// encoder and lowers the level to Debug. Safe to call more than once; the
// last call wins and named children are rebuilt lazily.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
	cfg.Level = level
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	base = logger
	sugared = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
	return nil
}

// SetLogger replaces the shared logger. Used by tests and by callers that
// already own a configured zap instance.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	sugared = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
}

// Get returns the sugared logger for a category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugared[c]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[c]; ok {
		return s
	}
	s := base.Named(string(c)).Sugar()
	sugared[c] = s
	return s
}

// Store logs at Info level in the store category.
func Store(template string, args ...interface{}) {
	Get(CategoryStore).Infof(template, args...)
}

// StoreDebug logs at Debug level in the store category.
func StoreDebug(template string, args ...interface{}) {
	Get(CategoryStore).Debugf(template, args...)
}

// Embedding logs at Info level in the embedding category.
func Embedding(template string, args ...interface{}) {
	Get(CategoryEmbedding).Infof(template, args...)
}

// EmbeddingDebug logs at Debug level in the embedding category.
func EmbeddingDebug(template string, args ...interface{}) {
	Get(CategoryEmbedding).Debugf(template, args...)
}

// Normalize logs at Info level in the normalize category.
func Normalize(template string, args ...interface{}) {
	Get(CategoryNormalize).Infof(template, args...)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
