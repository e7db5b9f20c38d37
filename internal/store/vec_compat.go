//go:build !(sqlite_vec && cgo)

package store

import (
	"database/sql/driver"
	"fmt"
	"math"
	"sync"

	sqlite "modernc.org/sqlite"
	"modernc.org/sqlite/vtab"
)

func init() {
	registerVecCompat()
}

// registerVecCompat installs a vec0 virtual-table module and the
// vec_distance_cosine function so the memory_vectors schema and every query
// against it work unchanged on the pure-Go driver. Rows live in process
// memory only: each process starts with an empty vector table, and vectors
// written by an earlier process are not reloaded, so searches only see
// memories stored by the same process. Production builds use the
// sqlite_vec tag and the real extension.
func registerVecCompat() {
	_ = vtab.RegisterModule(nil, "vec0", &vecModule{})
	// Deterministic: identical blobs always produce the same distance.
	_ = sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine)
}

type vecModule struct{}

// Tables are registered process-wide by name. Creating a table anew (fresh
// database) resets any prior rows under that name, keeping separate
// databases opened in sequence isolated from each other.
var (
	vecTablesMu sync.Mutex
	vecTables   = make(map[string]*vecTable)
)

type vecTable struct {
	name string
	mu   sync.RWMutex
	rows []vecRow
}

type vecRow struct {
	rowid     int64
	embedding []byte
}

func (m *vecModule) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	tbl, err := m.connect(ctx, args)
	if err != nil {
		return nil, err
	}
	t := tbl.(*vecTable)
	t.mu.Lock()
	t.rows = nil
	t.mu.Unlock()
	return t, nil
}

func (m *vecModule) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.connect(ctx, args)
}

func (m *vecModule) connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("vec0: insufficient args")
	}
	name := args[2]
	if err := ctx.Declare("CREATE TABLE x(embedding BLOB)"); err != nil {
		return nil, err
	}

	vecTablesMu.Lock()
	defer vecTablesMu.Unlock()
	tbl, ok := vecTables[name]
	if !ok {
		tbl = &vecTable{name: name}
		vecTables[name] = tbl
	}
	return tbl, nil
}

// BestIndex: full scan, no pushdowns.
func (t *vecTable) BestIndex(info *vtab.IndexInfo) error {
	t.mu.RLock()
	info.EstimatedRows = int64(len(t.rows))
	t.mu.RUnlock()
	return nil
}

func (t *vecTable) Open() (vtab.Cursor, error) {
	return &vecCursor{tbl: t, idx: -1}, nil
}

func (t *vecTable) Disconnect() error { return nil }
func (t *vecTable) Destroy() error {
	vecTablesMu.Lock()
	delete(vecTables, t.name)
	vecTablesMu.Unlock()
	return nil
}

func (t *vecTable) Insert(cols []vtab.Value, rowid *int64) error {
	if len(cols) < 1 {
		return fmt.Errorf("vec0: insert expects an embedding column")
	}
	emb, err := coerceBlob(cols[0])
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rid := *rowid
	if rid <= 0 {
		rid = t.nextRowIDLocked()
	}
	for i := range t.rows {
		if t.rows[i].rowid == rid {
			t.rows[i].embedding = emb
			*rowid = rid
			return nil
		}
	}
	t.rows = append(t.rows, vecRow{rowid: rid, embedding: emb})
	*rowid = rid
	return nil
}

func (t *vecTable) Update(oldRowid int64, cols []vtab.Value, newRowid *int64) error {
	if len(cols) < 1 {
		return fmt.Errorf("vec0: update expects an embedding column")
	}
	emb, err := coerceBlob(cols[0])
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	target := oldRowid
	if newRowid != nil && *newRowid > 0 {
		target = *newRowid
	}
	for i := range t.rows {
		if t.rows[i].rowid == oldRowid {
			t.rows[i] = vecRow{rowid: target, embedding: emb}
			return nil
		}
	}
	t.rows = append(t.rows, vecRow{rowid: target, embedding: emb})
	return nil
}

func (t *vecTable) Delete(oldRowid int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].rowid == oldRowid {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (t *vecTable) nextRowIDLocked() int64 {
	var max int64
	for _, r := range t.rows {
		if r.rowid > max {
			max = r.rowid
		}
	}
	return max + 1
}

type vecCursor struct {
	tbl *vecTable
	idx int
}

func (c *vecCursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.idx = -1
	return c.Next()
}

func (c *vecCursor) Next() error {
	c.idx++
	return nil
}

func (c *vecCursor) Eof() bool {
	c.tbl.mu.RLock()
	defer c.tbl.mu.RUnlock()
	return c.idx >= len(c.tbl.rows)
}

func (c *vecCursor) Column(col int) (vtab.Value, error) {
	c.tbl.mu.RLock()
	defer c.tbl.mu.RUnlock()
	if c.idx < 0 || c.idx >= len(c.tbl.rows) {
		return nil, fmt.Errorf("vec0: cursor out of range")
	}
	if col != 0 {
		return nil, fmt.Errorf("vec0: invalid column %d", col)
	}
	return c.tbl.rows[c.idx].embedding, nil
}

func (c *vecCursor) Rowid() (int64, error) {
	c.tbl.mu.RLock()
	defer c.tbl.mu.RUnlock()
	if c.idx < 0 || c.idx >= len(c.tbl.rows) {
		return 0, fmt.Errorf("vec0: cursor out of range")
	}
	return c.tbl.rows[c.idx].rowid, nil
}

func (c *vecCursor) Close() error { return nil }

// vecDistanceCosine computes cosine distance (1 - cosine similarity) over
// two float32 blobs. Arithmetic stays in float32 to match the thresholds
// used everywhere else.
func vecDistanceCosine(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine expects 2 arguments")
	}
	a, err := blobToFloat32(args[0])
	if err != nil {
		return nil, err
	}
	b, err := blobToFloat32(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(b) == 0 {
		return float64(1), nil
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("vec_distance_cosine: dimension mismatch %d vs %d", len(a), len(b))
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return float64(1), nil
	}
	cos := dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
	return float64(1 - cos), nil
}

func blobToFloat32(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return decodeFloat32Blob(x)
	case string:
		return decodeFloat32Blob([]byte(x))
	default:
		return nil, fmt.Errorf("vec_distance_cosine: unsupported type %T", v)
	}
}

func coerceBlob(v vtab.Value) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		cp := make([]byte, len(x))
		copy(cp, x)
		return cp, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("vec0: unsupported embedding type %T", v)
	}
}
