package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Xsaven/vector-memory-mcp/internal/embedding"
	"github.com/Xsaven/vector-memory-mcp/internal/tags"
)

// querier abstracts *sql.DB and *sql.Tx for read paths.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// canonicalTag is one vocabulary entry held in memory during a normalize
// pass.
type canonicalTag struct {
	tag string
	vec []float32
}

// loadCanonicalTags reads the vocabulary in rowid order. The order matters:
// candidate ties during matching break toward the earliest-created tag.
func loadCanonicalTags(q querier) ([]canonicalTag, error) {
	rows, err := q.Query("SELECT tag, embedding FROM canonical_tags ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load canonical tags: %v", ErrInternal, err)
	}
	defer rows.Close()

	var out []canonicalTag
	for rows.Next() {
		var tag string
		var blob []byte
		if err := rows.Scan(&tag, &blob); err != nil {
			return nil, fmt.Errorf("%w: failed to scan canonical tag: %v", ErrInternal, err)
		}
		vec, err := decodeFloat32Blob(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: canonical tag %q: %v", ErrInternal, tag, err)
		}
		out = append(out, canonicalTag{tag: tag, vec: vec})
	}
	return out, rows.Err()
}

func addCanonicalTag(tx *sql.Tx, tag string, vec []float32, createdAt string) error {
	_, err := tx.Exec(
		"INSERT OR IGNORE INTO canonical_tags (tag, embedding, frequency, created_at) VALUES (?, ?, 1, ?)",
		tag, encodeFloat32Blob(vec), createdAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to add canonical tag %q: %v", ErrInternal, tag, err)
	}
	return nil
}

func incrementTagFrequency(tx *sql.Tx, tag string) error {
	if _, err := tx.Exec("UPDATE canonical_tags SET frequency = frequency + 1 WHERE tag = ?", tag); err != nil {
		return fmt.Errorf("%w: failed to increment frequency for %q: %v", ErrInternal, tag, err)
	}
	return nil
}

// adoptKind describes how a tag resolved during normalization.
type adoptKind int

const (
	adoptExisting adoptKind = iota // matched an existing canonical tag
	adoptNew                       // minted a new canonical tag
)

// tagNormalizer resolves input tags against the canonical vocabulary with
// the merge predicate. One normalizer serves either a single store call
// (write path) or a whole planning sweep (preview/apply); new canonical
// tags are appended to its in-memory view so later inputs can match them.
type tagNormalizer struct {
	engine embedding.Engine
	rules  tags.MergeRules

	canonical []canonicalTag
	index     map[string]int

	// normalized-for-embedding forms of canonical tags, parallel to
	// canonical; computed once.
	normForms []string

	// embedCache memoizes tag-text embeddings across a sweep.
	embedCache map[string][]float32
}

func newTagNormalizer(engine embedding.Engine, rules tags.MergeRules, canonical []canonicalTag) *tagNormalizer {
	n := &tagNormalizer{
		engine:     engine,
		rules:      rules,
		canonical:  canonical,
		index:      make(map[string]int, len(canonical)),
		normForms:  make([]string, len(canonical)),
		embedCache: make(map[string][]float32),
	}
	for i, c := range canonical {
		n.index[c.tag] = i
		n.normForms[i] = tags.NormalizeForEmbedding(c.tag)
	}
	return n
}

func (n *tagNormalizer) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := n.embedCache[text]; ok {
		return vec, nil
	}
	vec, err := n.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed tag text %q: %v", ErrInternal, text, err)
	}
	n.embedCache[text] = vec
	return vec, nil
}

// cached reports whether a tag text is already embedded.
func (n *tagNormalizer) cached(text string) bool {
	_, ok := n.embedCache[text]
	return ok
}

// put warms the cache. Embeddings are pure, so parallel warm-up does not
// affect the deterministic sequential resolution that follows.
func (n *tagNormalizer) put(text string, vec []float32) {
	n.embedCache[text] = vec
}

// addCanonical appends a freshly minted tag so subsequent inputs see it.
func (n *tagNormalizer) addCanonical(tag string, vec []float32) {
	n.index[tag] = len(n.canonical)
	n.canonical = append(n.canonical, canonicalTag{tag: tag, vec: vec})
	n.normForms = append(n.normForms, tags.NormalizeForEmbedding(tag))
}

// normalize resolves one memory's tag list. adopt fires once per unique
// adopted tag: for adoptExisting the canonical tag already exists (or was
// minted earlier in this sweep); for adoptNew vec carries the embedding to
// persist. Output preserves first-seen order without duplicates.
func (n *tagNormalizer) normalize(ctx context.Context, input []string, adopt func(kind adoptKind, tag string, vec []float32) error) ([]string, error) {
	normalized := make([]string, 0, len(input))
	adopted := make(map[string]struct{}, len(input))

	appendTag := func(kind adoptKind, tag string, vec []float32) error {
		for _, t := range normalized {
			if t == tag {
				return nil
			}
		}
		normalized = append(normalized, tag)
		if _, done := adopted[tag]; done {
			return nil
		}
		adopted[tag] = struct{}{}
		if adopt != nil {
			return adopt(kind, tag, vec)
		}
		return nil
	}

	for _, raw := range input {
		tagLower := strings.ToLower(strings.TrimSpace(raw))
		if tagLower == "" {
			continue
		}

		// Exact hit on the canonical vocabulary.
		if _, ok := n.index[tagLower]; ok {
			if err := appendTag(adoptExisting, tagLower, nil); err != nil {
				return nil, err
			}
			continue
		}

		tagNorm := tags.NormalizeForEmbedding(tagLower)
		tagVec, err := n.embed(ctx, tagNorm)
		if err != nil {
			return nil, err
		}

		// Best mergeable candidate by similarity; ties keep the earliest
		// canonical tag.
		bestIdx := -1
		var bestSim float32
		if len(n.canonical) > 0 {
			vecs := make([][]float32, len(n.canonical))
			for i, c := range n.canonical {
				vecs[i] = c.vec
			}
			sims := embedding.BatchSimilarity(tagVec, vecs)
			for i, sim := range sims {
				if !tags.CanMerge(n.rules, tagNorm, n.normForms[i], sim) {
					continue
				}
				if bestIdx < 0 || sim > bestSim {
					bestIdx = i
					bestSim = sim
				}
			}
		}

		if bestIdx >= 0 {
			if err := appendTag(adoptExisting, n.canonical[bestIdx].tag, nil); err != nil {
				return nil, err
			}
			continue
		}

		// No mergeable match: the tag becomes canonical itself.
		n.addCanonical(tagLower, tagVec)
		if err := appendTag(adoptNew, tagLower, tagVec); err != nil {
			return nil, err
		}
	}

	return normalized, nil
}

// normalizeTagsTx is the write-path entry: resolves tags and persists
// vocabulary changes inside the caller's transaction. Frequencies bump at
// most once per adopted tag per call.
func (s *MemoryStore) normalizeTagsTx(ctx context.Context, tx *sql.Tx, engine embedding.Engine, input []string) ([]string, error) {
	if len(input) == 0 {
		return []string{}, nil
	}

	canonical, err := loadCanonicalTags(tx)
	if err != nil {
		return nil, err
	}
	n := newTagNormalizer(engine, s.mergeRules(0), canonical)
	createdAt := formatTime(now())

	return n.normalize(ctx, input, func(kind adoptKind, tag string, vec []float32) error {
		switch kind {
		case adoptNew:
			return addCanonicalTag(tx, tag, vec, createdAt)
		default:
			return incrementTagFrequency(tx, tag)
		}
	})
}

// mergeRules builds the merge predicate configuration. A positive
// threshold overrides the configured default (preview/apply take one).
func (s *MemoryStore) mergeRules(threshold float32) tags.MergeRules {
	sim := s.cfg.TagSimilarityThreshold
	if threshold > 0 {
		sim = threshold
	}
	return tags.NewMergeRules(
		sim,
		s.cfg.TagRelatedThreshold,
		s.cfg.TagSubstringMinLength,
		s.cfg.TagSubstringBoost,
		s.cfg.TagSubstringStopWords,
	)
}

// GetUniqueTags returns every tag appearing on any memory, sorted.
func (s *MemoryStore) GetUniqueTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tags FROM memory_metadata")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read tags: %v", ErrInternal, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var tagsJSON string
		if err := rows.Scan(&tagsJSON); err != nil {
			return nil, fmt.Errorf("%w: failed to scan tags: %v", ErrInternal, err)
		}
		var list []string
		if err := json.Unmarshal([]byte(tagsJSON), &list); err != nil {
			continue
		}
		for _, t := range list {
			seen[t] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// GetCanonicalTags returns the canonical vocabulary, sorted.
func (s *MemoryStore) GetCanonicalTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM canonical_tags ORDER BY tag")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read canonical tags: %v", ErrInternal, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTagFrequencies returns adoption counts per canonical tag.
func (s *MemoryStore) GetTagFrequencies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag, frequency FROM canonical_tags")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read tag frequencies: %v", ErrInternal, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var f int
		if err := rows.Scan(&t, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		out[t] = f
	}
	return out, rows.Err()
}

// GetTagWeights returns the IDF weight 1/ln(1+frequency) per canonical
// tag: common tags shrink, rare tags grow.
func (s *MemoryStore) GetTagWeights(ctx context.Context) (map[string]float64, error) {
	freqs, err := s.GetTagFrequencies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(freqs))
	for t, f := range freqs {
		out[t] = 1.0 / math.Log(1+float64(f))
	}
	return out, nil
}
