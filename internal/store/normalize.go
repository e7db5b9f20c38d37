package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Xsaven/vector-memory-mcp/internal/embedding"
	"github.com/Xsaven/vector-memory-mcp/internal/logging"
	"github.com/Xsaven/vector-memory-mcp/internal/tags"
)

// previewSampleSize bounds the change sample returned by a preview.
const previewSampleSize = 10

// snapshotEntry is one frozen (memory, tags) pair in a snapshot payload.
// Tags keep their stored order so restore is exact.
type snapshotEntry struct {
	ID   int64    `json:"id"`
	Tags []string `json:"tags"`
}

// computeSnapshotID streams the canonical serialization of
// (memory_id, sorted tags) in ascending id order through SHA-256 and keeps
// the first 16 hex characters. Identical tag state yields identical ids.
func computeSnapshotID(entries []snapshotEntry) string {
	h := sha256.New()
	for _, e := range entries {
		sorted := append([]string(nil), e.Tags...)
		sort.Strings(sorted)
		line, _ := json.Marshal(struct {
			ID   int64    `json:"id"`
			Tags []string `json:"tags"`
		}{e.ID, sorted})
		h.Write(line)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// computePreviewID hashes the sorted change list plus the threshold and
// model identifier. The plan, not the database, is the contract: the same
// state, rules, and model always reproduce the same id.
func computePreviewID(changes []TagChange, threshold float32, model string) string {
	h := sha256.New()
	for _, c := range changes {
		line, _ := json.Marshal(struct {
			ID  int64    `json:"id"`
			Old []string `json:"old"`
			New []string `json:"new"`
		}{c.MemoryID, c.OldTags, c.NewTags})
		h.Write(line)
		h.Write([]byte{'\n'})
	}
	fmt.Fprintf(h, "threshold=%.4f\nmodel=%s\n", threshold, model)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// readTagState loads (id, tags) for every memory in ascending id order.
func readTagState(q querier) ([]snapshotEntry, error) {
	rows, err := q.Query("SELECT id, tags FROM memory_metadata ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read tag state: %v", ErrInternal, err)
	}
	defer rows.Close()

	var out []snapshotEntry
	for rows.Next() {
		var e snapshotEntry
		var tagsJSON string
		if err := rows.Scan(&e.ID, &tagsJSON); err != nil {
			return nil, fmt.Errorf("%w: failed to scan tag state: %v", ErrInternal, err)
		}
		e.Tags = unmarshalTags(tagsJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SnapshotCreate freezes every memory's tags under a deterministic id.
// Re-snapshotting identical state is a no-op returning the same id.
func (s *MemoryStore) SnapshotCreate(ctx context.Context, label string) (*SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	entries, err := readTagState(tx)
	if err != nil {
		return nil, err
	}

	snapshotID := computeSnapshotID(entries)
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize snapshot: %v", ErrInternal, err)
	}

	createdAt := now()
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO tag_snapshots (snapshot_id, label, created_at, memory_count, payload) VALUES (?, ?, ?, ?, ?)",
		snapshotID, label, formatTime(createdAt), len(entries), payload,
	); err != nil {
		return nil, fmt.Errorf("%w: failed to persist snapshot: %v", ErrInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.Normalize("snapshot %s created (%d memories)", snapshotID, len(entries))
	return &SnapshotResult{
		Success:     true,
		SnapshotID:  snapshotID,
		Label:       label,
		CreatedAt:   createdAt,
		MemoryCount: len(entries),
	}, nil
}

// SnapshotRestore rewrites the tags of every memory captured by the
// snapshot. Memories created after the snapshot are left alone; memories
// deleted since are skipped.
func (s *MemoryStore) SnapshotRestore(ctx context.Context, snapshotID string) (*RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM tag_snapshots WHERE snapshot_id = ?", snapshotID).Scan(&payload)
	if err == sql.ErrNoRows {
		return &RestoreResult{Success: false, Error: "snapshot not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read snapshot: %v", ErrInternal, err)
	}

	var entries []snapshotEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w: corrupt snapshot payload: %v", ErrInternal, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	restored := 0
	for _, e := range entries {
		res, err := tx.Exec("UPDATE memory_metadata SET tags = ? WHERE id = ?", marshalTags(e.Tags), e.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to restore memory %d: %v", ErrInternal, e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			restored++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.Normalize("snapshot %s restored (%d memories)", snapshotID, restored)
	return &RestoreResult{Success: true, RestoredCount: restored}, nil
}

// normalizationPlan is a pure description of a proposed remapping.
type normalizationPlan struct {
	changes      []TagChange
	newCanonical map[string][]float32
	scanned      int
	uniqueBefore int
	uniqueAfter  int
}

// computePlan derives the full remapping for the current tag state without
// writing anything. Tag-text embeddings are warmed in parallel, then each
// memory is resolved sequentially so later memories see canonical tags
// minted by earlier ones, exactly as incremental ingestion would have.
func (s *MemoryStore) computePlan(ctx context.Context, q querier, engine embedding.Engine, rules tags.MergeRules) (*normalizationPlan, error) {
	canonical, err := loadCanonicalTags(q)
	if err != nil {
		return nil, err
	}
	state, err := readTagState(q)
	if err != nil {
		return nil, err
	}

	n := newTagNormalizer(engine, rules, canonical)

	if err := warmTagEmbeddings(ctx, n, state); err != nil {
		return nil, err
	}

	plan := &normalizationPlan{
		newCanonical: make(map[string][]float32),
		scanned:      len(state),
	}
	before := make(map[string]struct{})
	after := make(map[string]struct{})

	for _, mem := range state {
		for _, t := range mem.Tags {
			before[t] = struct{}{}
		}

		newTags, err := n.normalize(ctx, mem.Tags, func(kind adoptKind, tag string, vec []float32) error {
			if kind == adoptNew {
				plan.newCanonical[tag] = vec
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, t := range newTags {
			after[t] = struct{}{}
		}

		if !equalStrings(mem.Tags, newTags) {
			plan.changes = append(plan.changes, TagChange{MemoryID: mem.ID, OldTags: mem.Tags, NewTags: newTags})
		}
	}

	plan.uniqueBefore = len(before)
	plan.uniqueAfter = len(after)
	return plan, nil
}

// warmTagEmbeddings embeds every distinct tag text the plan will need,
// bounded by CPU count. Results land in the normalizer cache only after
// all workers finish, keeping the sequential pass deterministic.
func warmTagEmbeddings(ctx context.Context, n *tagNormalizer, state []snapshotEntry) error {
	seen := make(map[string]struct{})
	var texts []string
	for _, mem := range state {
		for _, raw := range mem.Tags {
			lower := strings.ToLower(strings.TrimSpace(raw))
			if _, ok := n.index[lower]; ok {
				continue
			}
			text := tags.NormalizeForEmbedding(lower)
			if _, ok := seen[text]; ok || n.cached(text) {
				continue
			}
			seen[text] = struct{}{}
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vecs := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, text := range texts {
		g.Go(func() error {
			vec, err := n.engine.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("%w: failed to embed tag text %q: %v", ErrInternal, text, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, text := range texts {
		n.put(text, vecs[i])
	}
	return nil
}

// TagNormalizePreview computes the remapping the current merge rules would
// produce, without writing. threshold <= 0 uses the configured default.
func (s *MemoryStore) TagNormalizePreview(ctx context.Context, threshold float32) (*PreviewResult, error) {
	engine, err := s.getEngine(ctx)
	if err != nil {
		return nil, err
	}
	rules := s.mergeRules(threshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	// Read-only view; always rolled back.
	defer tx.Rollback()

	plan, err := s.computePlan(ctx, tx, engine, rules)
	if err != nil {
		return nil, err
	}

	sample := plan.changes
	if len(sample) > previewSampleSize {
		sample = sample[:previewSampleSize]
	}

	previewID := computePreviewID(plan.changes, rules.SimilarityThreshold, engine.Name())
	logging.Normalize("preview %s: %d/%d memories affected", previewID, len(plan.changes), plan.scanned)

	return &PreviewResult{
		Success:               true,
		PreviewID:             previewID,
		TotalMemoriesScanned:  plan.scanned,
		UniqueTagsBefore:      plan.uniqueBefore,
		UniqueTagsAfter:       plan.uniqueAfter,
		PlannedUpdatesCount:   len(plan.changes),
		AffectedMemoriesCount: len(plan.changes),
		Changes:               append([]TagChange(nil), sample...),
		Threshold:             rules.SimilarityThreshold,
	}, nil
}

// TagNormalizeApply atomically applies a previously previewed remapping.
// The plan is recomputed against the live state under the same rules; a
// mismatch with the caller's preview id means the state (or parameters)
// changed since the preview and nothing is written. An empty plan succeeds
// trivially. Only tags and canonical-tag frequencies change.
func (s *MemoryStore) TagNormalizeApply(ctx context.Context, previewID, snapshotID string, threshold float32) (*ApplyResult, error) {
	engine, err := s.getEngine(ctx)
	if err != nil {
		return nil, err
	}
	rules := s.mergeRules(threshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow("SELECT 1 FROM tag_snapshots WHERE snapshot_id = ?", snapshotID).Scan(&one)
	if err == sql.ErrNoRows {
		return &ApplyResult{Success: false, Error: "snapshot not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot lookup: %v", ErrInternal, err)
	}

	plan, err := s.computePlan(ctx, tx, engine, rules)
	if err != nil {
		return nil, err
	}

	if len(plan.changes) == 0 {
		return &ApplyResult{
			Success:    true,
			SnapshotID: snapshotID,
			PreviewID:  previewID,
		}, nil
	}

	freshID := computePreviewID(plan.changes, rules.SimilarityThreshold, engine.Name())
	if freshID != previewID {
		logging.Normalize("apply rejected: preview %s does not match live plan %s", previewID, freshID)
		return &ApplyResult{Success: false, Error: "preview mismatch"}, nil
	}

	createdAt := formatTime(now())
	inserted := make(map[string]struct{})
	for _, change := range plan.changes {
		if _, err := tx.Exec("UPDATE memory_metadata SET tags = ? WHERE id = ?",
			marshalTags(change.NewTags), change.MemoryID); err != nil {
			return nil, fmt.Errorf("%w: failed to update memory %d: %v", ErrInternal, change.MemoryID, err)
		}

		oldSet := stringSet(change.OldTags)
		newSet := stringSet(change.NewTags)

		for _, t := range change.OldTags {
			if _, kept := newSet[t]; kept {
				continue
			}
			if _, err := tx.Exec(
				"UPDATE canonical_tags SET frequency = MAX(frequency - 1, 1) WHERE tag = ?", t); err != nil {
				return nil, fmt.Errorf("%w: failed to decrement %q: %v", ErrInternal, t, err)
			}
		}
		for _, t := range change.NewTags {
			if _, had := oldSet[t]; had {
				continue
			}
			if vec, minted := plan.newCanonical[t]; minted {
				if _, done := inserted[t]; !done {
					if err := addCanonicalTag(tx, t, vec, createdAt); err != nil {
						return nil, err
					}
					inserted[t] = struct{}{}
					continue
				}
			}
			if err := incrementTagFrequency(tx, t); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.Normalize("apply %s complete: %d memories updated", previewID, len(plan.changes))
	return &ApplyResult{
		Success:         true,
		AppliedCount:    len(plan.changes),
		MemoriesUpdated: len(plan.changes),
		SnapshotID:      snapshotID,
		PreviewID:       previewID,
	}, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}
