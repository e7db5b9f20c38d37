package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/Xsaven/vector-memory-mcp/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDims = 16

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Embedding.Dimensions = testDims
	return cfg
}

// newTestStore opens a store on a fresh database with a mock engine.
func newTestStore(t *testing.T, cfg *config.Config) (*MemoryStore, *mockEngine) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	path := filepath.Join(t.TempDir(), "vecmem.db")
	s, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	engine := newMockEngine(testDims)
	s.SetEmbeddingEngine(engine)
	return s, engine
}

func TestOpenCreatesSchema(t *testing.T) {
	s, _ := newTestStore(t, nil)

	for _, table := range []string{"memory_metadata", "canonical_tags", "tag_snapshots"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestFrequencyColumnMigration(t *testing.T) {
	s, _ := newTestStore(t, nil)

	// Insert a row without an explicit frequency and re-run schema init:
	// the migration must tolerate the already-present column, and the row
	// keeps the column default.
	if _, err := s.db.Exec("INSERT INTO canonical_tags (tag, embedding, created_at) VALUES ('x', x'00000000', '2026-01-01T00:00:00Z')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.initSchema(); err != nil {
		t.Fatalf("re-init failed: %v", err)
	}

	var freq int
	if err := s.db.QueryRow("SELECT frequency FROM canonical_tags WHERE tag = 'x'").Scan(&freq); err != nil {
		t.Fatalf("frequency column unreadable: %v", err)
	}
	if freq != 1 {
		t.Errorf("default frequency = %d, want 1", freq)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := decodeFloat32Blob(encodeFloat32Blob(in))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32Blob([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for misaligned blob")
	}
}
