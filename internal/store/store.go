// Package store implements the persistent semantic memory store: memories
// with embeddings in SQLite (sqlite-vec for k-NN cosine), a canonical tag
// vocabulary with merge-based normalization, a closed-set category
// classifier, and the snapshot/preview/apply/restore workflow for
// re-normalizing an existing corpus safely.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Xsaven/vector-memory-mcp/internal/config"
	"github.com/Xsaven/vector-memory-mcp/internal/embedding"
	"github.com/Xsaven/vector-memory-mcp/internal/logging"
	"github.com/Xsaven/vector-memory-mcp/internal/validate"
)

// ErrInternal wraps storage, extension, and embedding failures. Callers
// test with errors.Is; the cause chain stays attached.
var ErrInternal = errors.New("internal error")

// timeFormat is the on-disk timestamp layout: RFC 3339 UTC. Second
// precision keeps lexicographic and chronological order identical.
const timeFormat = time.RFC3339

// MemoryStore is the operation surface over one SQLite database. Safe for
// concurrent use; multi-statement operations run in single transactions
// serialized by an internal mutex.
type MemoryStore struct {
	db     *sql.DB
	dbPath string
	cfg    *config.Config

	mu sync.Mutex

	loader *embedding.Loader

	// engineMu guards the optional injected engine (tests, pre-warmed
	// callers). When nil, the lazy loader provides the shared instance.
	engineMu sync.RWMutex
	engine   embedding.Engine
}

// Open validates the path, opens the database, applies pragmas, and
// creates the schema.
func Open(path string, cfg *config.Config) (*MemoryStore, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if path != ":memory:" {
		if err := validate.ValidateDBPath(path); err != nil {
			return nil, err
		}
	}

	logging.Store("opening memory store at %s", path)

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrInternal, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", pragma, err)
		}
	}

	s := &MemoryStore{
		db:     db,
		dbPath: path,
		cfg:    cfg,
		loader: embedding.NewLoader(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			Model:          cfg.Embedding.Model,
			Dimensions:     cfg.Embedding.Dimensions,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("memory store ready (dim=%d, limit=%d)", cfg.Embedding.Dimensions, cfg.MaxTotalMemories)
	return s, nil
}

// Close releases the database handle.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

// SetEmbeddingEngine injects a pre-constructed engine, bypassing the lazy
// loader. Passing nil reverts to lazy loading.
func (s *MemoryStore) SetEmbeddingEngine(e embedding.Engine) {
	s.engineMu.Lock()
	s.engine = e
	s.engineMu.Unlock()
}

// getEngine returns the injected engine or lazily constructs the
// configured one. Concurrent first callers share one initialization.
func (s *MemoryStore) getEngine(ctx context.Context) (embedding.Engine, error) {
	s.engineMu.RLock()
	e := s.engine
	s.engineMu.RUnlock()
	if e != nil {
		return e, nil
	}
	e, err := s.loader.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding engine init: %v", ErrInternal, err)
	}
	return e, nil
}

func (s *MemoryStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_hash TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			tags TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			access_count INTEGER DEFAULT 0
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			embedding float[%d]
		)`, s.cfg.Embedding.Dimensions),
		`CREATE TABLE IF NOT EXISTS canonical_tags (
			tag TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			frequency INTEGER DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tag_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			label TEXT,
			created_at TEXT NOT NULL,
			memory_count INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_category ON memory_metadata(category)`,
		`CREATE INDEX IF NOT EXISTS idx_created_at ON memory_metadata(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_hash ON memory_metadata(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_access_count ON memory_metadata(access_count)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: failed to initialize schema: %v", ErrInternal, err)
		}
	}

	// Older databases predate the frequency column.
	if _, err := s.db.Exec("ALTER TABLE canonical_tags ADD COLUMN frequency INTEGER DEFAULT 1"); err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			logging.StoreDebug("frequency column migration skipped: %v", err)
		}
	}
	return nil
}

// now returns the current UTC time truncated to the stored precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t
	}
	// Fallback for rows written by other tools with fractional seconds.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
