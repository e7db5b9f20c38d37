package store

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Xsaven/vector-memory-mcp/internal/config"
	"github.com/Xsaven/vector-memory-mcp/internal/embedding"
)

// categoryLabels are the human-readable phrases embedded for each
// canonical category. The phrases, not the slugs, go to the model.
var categoryLabels = map[string]string{
	"code-solution": "code solution implementation",
	"bug-fix":       "bug fix error correction",
	"architecture":  "architecture design structure",
	"learning":      "learning knowledge discovery",
	"tool-usage":    "tool usage utility",
	"debugging":     "debugging troubleshooting diagnosis",
	"performance":   "performance optimization speed",
	"security":      "security vulnerability protection",
	"other":         "other miscellaneous general",
}

// shortCategoryAliases maps abbreviations straight to a canonical category.
// It is consulted only for inputs shorter than five characters, where
// embeddings are unreliable; the longer entries ("debug", "learn",
// "design") are never reached by that check and those inputs go through
// the embedding path instead.
var shortCategoryAliases = map[string]string{
	"bug":    "bug-fix",
	"fix":    "bug-fix",
	"auth":   "security",
	"sec":    "security",
	"perf":   "performance",
	"opt":    "performance",
	"debug":  "debugging",
	"arch":   "architecture",
	"design": "architecture",
	"impl":   "code-solution",
	"sol":    "code-solution",
	"learn":  "learning",
	"tool":   "tool-usage",
}

// Canonical category embeddings are computed once per process per engine.
// The singleflight group lets concurrent first callers share the work; a
// partially filled map is never observable.
var (
	categoryEmbedsMu    sync.RWMutex
	categoryEmbeds      = make(map[string]map[string][]float32) // engine name -> category -> vec
	categoryEmbedsGroup singleflight.Group
)

func canonicalCategoryEmbeddings(ctx context.Context, engine embedding.Engine) (map[string][]float32, error) {
	name := engine.Name()

	categoryEmbedsMu.RLock()
	if m, ok := categoryEmbeds[name]; ok {
		categoryEmbedsMu.RUnlock()
		return m, nil
	}
	categoryEmbedsMu.RUnlock()

	v, err, _ := categoryEmbedsGroup.Do(name, func() (interface{}, error) {
		categoryEmbedsMu.RLock()
		if m, ok := categoryEmbeds[name]; ok {
			categoryEmbedsMu.RUnlock()
			return m, nil
		}
		categoryEmbedsMu.RUnlock()

		texts := make([]string, len(config.MemoryCategories))
		for i, cat := range config.MemoryCategories {
			label, ok := categoryLabels[cat]
			if !ok {
				label = strings.ReplaceAll(cat, "-", " ")
			}
			texts[i] = label
		}
		vecs, err := engine.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}

		m := make(map[string][]float32, len(config.MemoryCategories))
		for i, cat := range config.MemoryCategories {
			m[cat] = vecs[i]
		}
		categoryEmbedsMu.Lock()
		categoryEmbeds[name] = m
		categoryEmbedsMu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]float32), nil
}

// normalizeCategory maps an arbitrary category string onto the closed
// canonical set: exact match, then the short-alias table, then
// nearest-neighbour over the cached category embeddings with a threshold
// and a margin over "other".
func (s *MemoryStore) normalizeCategory(ctx context.Context, engine embedding.Engine, category string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return "other", nil
	}

	if config.IsCanonicalCategory(c) {
		return c, nil
	}

	if len(c) < 5 {
		if alias, ok := shortCategoryAliases[c]; ok {
			return alias, nil
		}
	}

	canonical, err := canonicalCategoryEmbeddings(ctx, engine)
	if err != nil {
		return "", err
	}

	queryVec, err := engine.Embed(ctx, c)
	if err != nil {
		return "", err
	}

	// Vectors are unit-norm, so inner product is cosine similarity.
	var bestCat string
	var bestSim float32
	var otherSim float32
	for _, cat := range config.MemoryCategories {
		sims := embedding.BatchSimilarity(queryVec, [][]float32{canonical[cat]})
		sim := sims[0]
		if cat == "other" {
			otherSim = sim
			continue
		}
		if bestCat == "" || sim > bestSim {
			bestCat = cat
			bestSim = sim
		}
	}

	if bestCat != "" &&
		bestSim >= s.cfg.CategorySimilarityThreshold &&
		bestSim >= otherSim+s.cfg.CategoryMinMargin {
		return bestCat, nil
	}
	return "other", nil
}
