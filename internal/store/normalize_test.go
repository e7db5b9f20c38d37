package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedNormalizeFixture builds the canonical vocabulary and four memories
// used across the workflow tests. Unknown tag texts sit on their own axes
// so the default plan proposes no merges.
func seedNormalizeFixture(t *testing.T, s *MemoryStore, engine *mockEngine) {
	t.Helper()

	canonical := []struct {
		tag  string
		axis int
	}{
		{"brain-compile", 1},
		{"phpstan", 2},
		{"security", 3},
		{"architecture", 4},
	}
	for _, c := range canonical {
		engine.set(c.tag, axisVec(c.axis))
		_, err := s.db.Exec(
			"INSERT INTO canonical_tags (tag, embedding, frequency, created_at) VALUES (?, ?, 1, ?)",
			c.tag, encodeFloat32Blob(axisVec(c.axis)), "2026-02-22T00:00:00Z")
		require.NoError(t, err)
	}

	engine.set("flock", axisVec(10))
	engine.set("quality", axisVec(11))
	engine.set("auth flow", axisVec(12))
	engine.set("patterns", axisVec(13))

	memories := []struct {
		id   int64
		text string
		cat  string
		tags []string
	}{
		{1, "Memory about compilation", "code-solution", []string{"brain-compile", "flock"}},
		{2, "Memory about static analysis", "code-solution", []string{"phpstan", "quality"}},
		{3, "Memory about auth", "security", []string{"security", "auth-flow"}},
		{4, "Memory about design", "architecture", []string{"architecture", "patterns"}},
	}
	for _, m := range memories {
		insertRawMemory(t, s, m.id, m.text, m.cat, m.tags, "2026-02-22T00:00:00Z", 0)
	}
}

// tagState reads every memory's tags keyed by id.
func tagState(t *testing.T, s *MemoryStore) map[int64][]string {
	t.Helper()
	entries, err := readTagState(s.db)
	require.NoError(t, err)
	out := make(map[int64][]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Tags
	}
	return out
}

var hexID = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestSnapshotDeterministic(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	first, err := s.SnapshotCreate(ctx, "first")
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, 4, first.MemoryCount)
	assert.Regexp(t, hexID, first.SnapshotID)

	second, err := s.SnapshotCreate(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)

	var count int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM tag_snapshots WHERE snapshot_id = ?", first.SnapshotID).Scan(&count))
	assert.Equal(t, 1, count, "re-snapshotting identical state must not duplicate rows")
}

func TestSnapshotSensitivity(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	before, err := s.SnapshotCreate(ctx, "before")
	require.NoError(t, err)

	_, err = s.db.Exec("UPDATE memory_metadata SET tags = ? WHERE id = 1",
		marshalTags([]string{"brain-compile", "modified-tag"}))
	require.NoError(t, err)

	after, err := s.SnapshotCreate(ctx, "after")
	require.NoError(t, err)
	assert.NotEqual(t, before.SnapshotID, after.SnapshotID)
}

func TestSnapshotRestore(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	snap, err := s.SnapshotCreate(ctx, "before changes")
	require.NoError(t, err)

	_, err = s.db.Exec("UPDATE memory_metadata SET tags = ? WHERE id = 1",
		marshalTags([]string{"completely-different"}))
	require.NoError(t, err)

	res, err := s.SnapshotRestore(ctx, snap.SnapshotID)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 4, res.RestoredCount)

	state := tagState(t, s)
	assert.Equal(t, []string{"brain-compile", "flock"}, state[1])
}

func TestSnapshotRestoreMissing(t *testing.T) {
	s, _ := newTestStore(t, nil)

	res, err := s.SnapshotRestore(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "snapshot not found", res.Error)
}

func TestSnapshotRestoreLeavesNewerMemories(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	snap, err := s.SnapshotCreate(ctx, "early")
	require.NoError(t, err)

	insertRawMemory(t, s, 5, "Memory created later", "other", []string{"later"}, "2026-02-23T00:00:00Z", 0)

	res, err := s.SnapshotRestore(ctx, snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RestoredCount)

	state := tagState(t, s)
	assert.Equal(t, []string{"later"}, state[5], "post-snapshot memories stay in place")
}

func TestPreviewNonDestructiveAndDeterministic(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	stateBefore := tagState(t, s)
	canonicalBefore, err := s.GetCanonicalTags(ctx)
	require.NoError(t, err)

	first, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, 4, first.TotalMemoriesScanned)
	assert.Equal(t, 0, first.PlannedUpdatesCount)
	assert.Equal(t, 8, first.UniqueTagsBefore)
	assert.Equal(t, 8, first.UniqueTagsAfter)
	assert.Regexp(t, hexID, first.PreviewID)
	assert.Equal(t, s.cfg.TagSimilarityThreshold, first.Threshold)

	second, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, first.PreviewID, second.PreviewID)

	// No writes anywhere: memories and vocabulary untouched.
	if diff := cmp.Diff(stateBefore, tagState(t, s)); diff != "" {
		t.Errorf("preview mutated tag state:\n%s", diff)
	}
	canonicalAfter, err := s.GetCanonicalTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, canonicalBefore, canonicalAfter)
}

func TestPreviewDetectsMerge(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	// "auth flow" now sits close enough to "security" to merge.
	engine.set("auth flow", unitPair(3, 12, 0.9))
	ctx := context.Background()

	res, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.PlannedUpdatesCount)
	assert.Equal(t, 1, res.AffectedMemoriesCount)
	assert.Equal(t, 8, res.UniqueTagsBefore)
	assert.Equal(t, 7, res.UniqueTagsAfter)

	want := []TagChange{{
		MemoryID: 3,
		OldTags:  []string{"security", "auth-flow"},
		NewTags:  []string{"security"},
	}}
	if diff := cmp.Diff(want, res.Changes); diff != "" {
		t.Errorf("unexpected plan:\n%s", diff)
	}
}

func TestPreviewThresholdOverride(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	engine.set("auth flow", unitPair(3, 12, 0.9))
	ctx := context.Background()

	loose, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, loose.PlannedUpdatesCount)

	strict, err := s.TagNormalizePreview(ctx, 0.95)
	require.NoError(t, err)
	assert.Equal(t, float32(0.95), strict.Threshold)
	assert.Equal(t, 0, strict.PlannedUpdatesCount)
	assert.NotEqual(t, loose.PreviewID, strict.PreviewID)
}

func TestApplyRequiresSnapshot(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)

	res, err := s.TagNormalizeApply(context.Background(), "abc", "nonexistent", 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "snapshot not found", res.Error)
}

func TestApplyEmptyPlanSucceedsTrivially(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	ctx := context.Background()

	snap, err := s.SnapshotCreate(ctx, "noop")
	require.NoError(t, err)

	// No merges proposed, so the preview id is not even checked.
	res, err := s.TagNormalizeApply(ctx, "wrong-id", snap.SnapshotID, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.AppliedCount)
	assert.Equal(t, 0, res.MemoriesUpdated)
}

func TestApplyPreviewMismatch(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	engine.set("auth flow", unitPair(3, 12, 0.9))
	ctx := context.Background()

	snap, err := s.SnapshotCreate(ctx, "guard")
	require.NoError(t, err)
	preview, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, preview.PlannedUpdatesCount)

	// Concurrent edit: the plan for memory 3 changes shape.
	_, err = s.db.Exec("UPDATE memory_metadata SET tags = ? WHERE id = 3",
		marshalTags([]string{"auth-flow"}))
	require.NoError(t, err)
	stateBefore := tagState(t, s)

	res, err := s.TagNormalizeApply(ctx, preview.PreviewID, snap.SnapshotID, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "preview mismatch", res.Error)

	// Nothing was written.
	if diff := cmp.Diff(stateBefore, tagState(t, s)); diff != "" {
		t.Errorf("failed apply mutated tag state:\n%s", diff)
	}
}

func TestApplyUpdatesTagsOnly(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	engine.set("auth flow", unitPair(3, 12, 0.9))
	insertRawMemory(t, s, 5, "Memory about auth flows", "security", []string{"auth-flow"}, "2026-02-22T00:00:00Z", 7)
	ctx := context.Background()

	type rowFacts struct {
		Hash        string
		Content     string
		CreatedAt   string
		AccessCount int
	}
	readFacts := func() map[int64]rowFacts {
		rows, err := s.db.Query("SELECT id, content_hash, content, created_at, access_count FROM memory_metadata ORDER BY id")
		require.NoError(t, err)
		defer rows.Close()
		out := make(map[int64]rowFacts)
		for rows.Next() {
			var id int64
			var f rowFacts
			require.NoError(t, rows.Scan(&id, &f.Hash, &f.Content, &f.CreatedAt, &f.AccessCount))
			out[id] = f
		}
		return out
	}
	factsBefore := readFacts()

	snap, err := s.SnapshotCreate(ctx, "pre-apply")
	require.NoError(t, err)
	preview, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, preview.PlannedUpdatesCount)

	res, err := s.TagNormalizeApply(ctx, preview.PreviewID, snap.SnapshotID, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.AppliedCount)
	assert.Equal(t, 2, res.MemoriesUpdated)
	assert.Equal(t, snap.SnapshotID, res.SnapshotID)
	assert.Equal(t, preview.PreviewID, res.PreviewID)

	state := tagState(t, s)
	assert.Equal(t, []string{"security"}, state[3])
	assert.Equal(t, []string{"security"}, state[5])

	// Everything except tags is untouched.
	if diff := cmp.Diff(factsBefore, readFacts()); diff != "" {
		t.Errorf("apply touched non-tag columns:\n%s", diff)
	}

	// Memory 5 gained "security"; its frequency reflects the adoption.
	freqs, err := s.GetTagFrequencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, freqs["security"])
}

func TestApplyRestoreRoundTrip(t *testing.T) {
	s, engine := newTestStore(t, nil)
	seedNormalizeFixture(t, s, engine)
	engine.set("auth flow", unitPair(3, 12, 0.9))
	ctx := context.Background()

	stateBefore := tagState(t, s)

	snap, err := s.SnapshotCreate(ctx, "round trip")
	require.NoError(t, err)
	preview, err := s.TagNormalizePreview(ctx, 0)
	require.NoError(t, err)

	applied, err := s.TagNormalizeApply(ctx, preview.PreviewID, snap.SnapshotID, 0)
	require.NoError(t, err)
	require.True(t, applied.Success)
	require.NotEqual(t, stateBefore, tagState(t, s))

	restored, err := s.SnapshotRestore(ctx, snap.SnapshotID)
	require.NoError(t, err)
	require.True(t, restored.Success)

	if diff := cmp.Diff(stateBefore, tagState(t, s)); diff != "" {
		t.Errorf("restore did not reproduce the captured tags:\n%s", diff)
	}
}
