package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/Xsaven/vector-memory-mcp/internal/config"
	"github.com/Xsaven/vector-memory-mcp/internal/logging"
	"github.com/Xsaven/vector-memory-mcp/internal/validate"
)

// contentPreview truncates content for result records.
func contentPreview(content string) string {
	runes := []rune(content)
	if len(runes) <= 100 {
		return content
	}
	return string(runes[:100]) + "..."
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(tagsJSON string) []string {
	var out []string
	if err := json.Unmarshal([]byte(tagsJSON), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func scanMemoryRow(scan func(dest ...interface{}) error) (MemoryEntry, error) {
	var m MemoryEntry
	var tagsJSON, createdAt, updatedAt string
	err := scan(&m.ID, &m.ContentHash, &m.Content, &m.Category, &tagsJSON, &createdAt, &updatedAt, &m.AccessCount)
	if err != nil {
		return m, err
	}
	m.Tags = unmarshalTags(tagsJSON)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

const memoryColumns = "id, content_hash, content, category, tags, created_at, updated_at, access_count"

// StoreMemory validates, classifies, deduplicates, and persists a memory
// with its embedding. Duplicates and a full store come back as soft
// failures; validation problems are ErrInvalidInput; anything breaking
// mid-transaction rolls back and surfaces as ErrInternal.
func (s *MemoryStore) StoreMemory(ctx context.Context, content, category string, inputTags []string) (*StoreResult, error) {
	content, err := validate.SanitizeInput(content, s.cfg.MaxContentLength)
	if err != nil {
		return nil, err
	}
	inputTags, err = validate.ValidateTags(inputTags, s.cfg.MaxTags, s.cfg.MaxTagLength)
	if err != nil {
		return nil, err
	}

	engine, err := s.getEngine(ctx)
	if err != nil {
		return nil, err
	}

	category, err = s.normalizeCategory(ctx, engine, category)
	if err != nil {
		return nil, fmt.Errorf("%w: category classification: %v", ErrInternal, err)
	}

	contentHash := validate.ContentHash(content)

	// Embed before the transaction opens; the write path should hold it
	// only for SQL and tag-vocabulary work.
	contentVec, err := engine.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("%w: content embedding: %v", ErrInternal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRow("SELECT id FROM memory_metadata WHERE content_hash = ?", contentHash).Scan(&existingID)
	switch {
	case err == nil:
		return &StoreResult{Success: false, Message: "Memory already exists", MemoryID: existingID}, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("%w: duplicate check: %v", ErrInternal, err)
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM memory_metadata").Scan(&count); err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrInternal, err)
	}
	if count >= s.cfg.MaxTotalMemories {
		return &StoreResult{
			Success: false,
			Message: fmt.Sprintf("Memory limit reached (%d/%d). Use clear_old_memories to free space.", count, s.cfg.MaxTotalMemories),
		}, nil
	}

	normalizedTags, err := s.normalizeTagsTx(ctx, tx, engine, inputTags)
	if err != nil {
		return nil, err
	}

	createdAt := now()
	ts := formatTime(createdAt)
	res, err := tx.Exec(
		"INSERT INTO memory_metadata (content_hash, content, category, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		contentHash, content, category, marshalTags(normalizedTags), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert metadata: %v", ErrInternal, err)
	}
	memoryID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: insert metadata: %v", ErrInternal, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO memory_vectors (rowid, embedding) VALUES (?, ?)",
		memoryID, encodeFloat32Blob(contentVec),
	); err != nil {
		return nil, fmt.Errorf("%w: insert vector: %v", ErrInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.Store("stored memory %d category=%s tags=%d", memoryID, category, len(normalizedTags))

	return &StoreResult{
		Success:        true,
		MemoryID:       memoryID,
		ContentPreview: contentPreview(content),
		Category:       category,
		Tags:           normalizedTags,
		CreatedAt:      createdAt,
	}, nil
}

// SearchMemories runs k-NN cosine search with optional category and tag
// filters, returning one page plus the total match count. Access counters
// of returned rows bump inside the same transaction; results reflect the
// bumped counts. If the counter update fails, the gathered results still
// come back alongside the error.
func (s *MemoryStore) SearchMemories(ctx context.Context, query string, limit int, category string, offset int, filterTags []string) ([]SearchResult, int, error) {
	query, limit, offset, err := validate.ValidateSearchParams(query, limit, offset, s.cfg.MaxContentLength, s.cfg.MaxMemoriesPerSearch)
	if err != nil {
		return nil, 0, err
	}
	category, err = validate.ValidateCategory(category, config.MemoryCategories)
	if err != nil {
		return nil, 0, err
	}
	cleanTags := make([]string, 0, len(filterTags))
	for _, t := range filterTags {
		if strings.TrimSpace(t) == "" {
			continue
		}
		ct, err := validate.SanitizeInput(t, s.cfg.MaxTagLength)
		if err != nil {
			return nil, 0, err
		}
		cleanTags = append(cleanTags, strings.ToLower(strings.TrimSpace(ct)))
	}

	engine, err := s.getEngine(ctx)
	if err != nil {
		return nil, 0, err
	}
	queryVec, err := engine.Embed(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: query embedding: %v", ErrInternal, err)
	}
	queryBlob := encodeFloat32Blob(queryVec)

	var where []string
	var filterArgs []interface{}
	if category != "" {
		where = append(where, "m.category = ?")
		filterArgs = append(filterArgs, category)
	}
	if len(cleanTags) > 0 {
		conds := make([]string, len(cleanTags))
		for i, t := range cleanTags {
			conds[i] = "EXISTS (SELECT 1 FROM json_each(m.tags) WHERE value = ?)"
			filterArgs = append(filterArgs, t)
		}
		where = append(where, "("+strings.Join(conds, " OR ")+")")
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	countQuery := "SELECT COUNT(DISTINCT m.id) FROM memory_metadata m JOIN memory_vectors v ON m.id = v.rowid" + whereClause
	var total int
	if err := tx.QueryRow(countQuery, filterArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count query: %v", ErrInternal, err)
	}

	searchQuery := "SELECT m.id, m.content_hash, m.content, m.category, m.tags, m.created_at, m.updated_at, m.access_count, " +
		"vec_distance_cosine(v.embedding, ?) AS distance " +
		"FROM memory_metadata m JOIN memory_vectors v ON m.id = v.rowid" +
		whereClause + " ORDER BY distance ASC, m.id ASC LIMIT ? OFFSET ?"

	args := append([]interface{}{queryBlob}, filterArgs...)
	args = append(args, limit, offset)

	rows, err := tx.Query(searchQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: search query: %v", ErrInternal, err)
	}

	var results []SearchResult
	var ids []interface{}
	for rows.Next() {
		var m MemoryEntry
		var tagsJSON, createdAt, updatedAt string
		var distance float64
		if err := rows.Scan(&m.ID, &m.ContentHash, &m.Content, &m.Category, &tagsJSON, &createdAt, &updatedAt, &m.AccessCount, &distance); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("%w: scan: %v", ErrInternal, err)
		}
		m.Tags = unmarshalTags(tagsJSON)
		m.CreatedAt = parseTime(createdAt)
		m.UpdatedAt = parseTime(updatedAt)
		// Reflect the access bump applied below.
		m.AccessCount++

		d := float32(distance)
		// Rounding can push a perfect match a hair below zero.
		if d < 0 {
			d = 0
		}
		results = append(results, SearchResult{Memory: m, Similarity: 1 - d, Distance: d})
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("%w: rows: %v", ErrInternal, err)
	}
	rows.Close()

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		updateArgs := append([]interface{}{formatTime(now())}, ids...)
		if _, err := tx.Exec(
			"UPDATE memory_metadata SET access_count = access_count + 1, updated_at = ? WHERE id IN ("+placeholders+")",
			updateArgs...,
		); err != nil {
			// Best effort: hand back the gathered results, report the
			// failure, leave counters untouched via rollback.
			return results, total, fmt.Errorf("%w: access count update: %v", ErrInternal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return results, total, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.StoreDebug("search returned %d/%d results", len(results), total)
	return results, total, nil
}

// GetRecentMemories returns the latest memories by creation time.
func (s *MemoryStore) GetRecentMemories(ctx context.Context, limit int) ([]MemoryEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > s.cfg.MaxMemoriesPerSearch {
		limit = s.cfg.MaxMemoriesPerSearch
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memory_metadata ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent query: %v", ErrInternal, err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		m, err := scanMemoryRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrInternal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMemoryByID fetches one memory; nil when absent.
func (s *MemoryStore) GetMemoryByID(ctx context.Context, id int64) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memory_metadata WHERE id = ?", id)
	m, err := scanMemoryRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get by id: %v", ErrInternal, err)
	}
	return &m, nil
}

// DeleteMemory removes a memory and its vector together. Returns false
// when the id does not exist.
func (s *MemoryStore) DeleteMemory(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM memory_metadata WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: existence check: %v", ErrInternal, err)
	}

	if _, err := tx.Exec("DELETE FROM memory_metadata WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("%w: delete metadata: %v", ErrInternal, err)
	}
	if _, err := tx.Exec("DELETE FROM memory_vectors WHERE rowid = ?", id); err != nil {
		return false, fmt.Errorf("%w: delete vector: %v", ErrInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}
	return true, nil
}

// ClearOldMemories deletes the least-accessed memories older than daysOld
// until at most maxToKeep remain or no memory older than daysOld is left;
// newer memories are never deleted, so more than maxToKeep can remain. The
// cutoff considers creation time only.
func (s *MemoryStore) ClearOldMemories(ctx context.Context, daysOld, maxToKeep int) (*CleanupResult, error) {
	if err := validate.ValidateCleanupParams(daysOld, maxToKeep, s.cfg.MaxTotalMemories); err != nil {
		return nil, err
	}

	cutoff := formatTime(now().Add(-time.Duration(daysOld) * 24 * time.Hour))

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id FROM memory_metadata WHERE created_at < ? ORDER BY access_count ASC, created_at ASC, id ASC",
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: candidate query: %v", ErrInternal, err)
	}
	var candidates []interface{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan: %v", ErrInternal, err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	var total int
	if err := tx.QueryRow("SELECT COUNT(*) FROM memory_metadata").Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrInternal, err)
	}

	toDelete := total - maxToKeep
	if toDelete > len(candidates) {
		toDelete = len(candidates)
	}
	if toDelete <= 0 {
		return &CleanupResult{
			Success:        true,
			DeletedCount:   0,
			RemainingCount: total,
			Message:        "No memories need to be deleted",
		}, nil
	}

	ids := candidates[:toDelete]
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.Exec("DELETE FROM memory_metadata WHERE id IN ("+placeholders+")", ids...); err != nil {
		return nil, fmt.Errorf("%w: delete metadata: %v", ErrInternal, err)
	}
	if _, err := tx.Exec("DELETE FROM memory_vectors WHERE rowid IN ("+placeholders+")", ids...); err != nil {
		return nil, fmt.Errorf("%w: delete vectors: %v", ErrInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
	}

	logging.Store("cleared %d old memories, %d remain", toDelete, total-toDelete)
	return &CleanupResult{
		Success:        true,
		DeletedCount:   toDelete,
		RemainingCount: total - toDelete,
		Message:        fmt.Sprintf("Deleted %d old memories", toDelete),
	}, nil
}

// GetStats summarizes the store: counts, category breakdown, recent
// activity, file size, top-accessed entries, and a health label against
// the configured limit.
func (s *MemoryStore) GetStats(ctx context.Context) (*MemoryStats, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_metadata").Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrInternal, err)
	}

	catRows, err := s.db.QueryContext(ctx,
		"SELECT category, COUNT(*) FROM memory_metadata GROUP BY category ORDER BY COUNT(*) DESC")
	if err != nil {
		return nil, fmt.Errorf("%w: category breakdown: %v", ErrInternal, err)
	}
	categories := make(map[string]int)
	for catRows.Next() {
		var cat string
		var n int
		if err := catRows.Scan(&cat, &n); err != nil {
			catRows.Close()
			return nil, fmt.Errorf("%w: scan: %v", ErrInternal, err)
		}
		categories[cat] = n
	}
	catRows.Close()
	if err := catRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	weekAgo := formatTime(now().Add(-7 * 24 * time.Hour))
	var recentCount int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_metadata WHERE created_at > ?", weekAgo).Scan(&recentCount); err != nil {
		return nil, fmt.Errorf("%w: recent count: %v", ErrInternal, err)
	}

	var sizeBytes int64
	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			sizeBytes = fi.Size()
		}
	}

	topRows, err := s.db.QueryContext(ctx,
		"SELECT content, access_count FROM memory_metadata ORDER BY access_count DESC, id ASC LIMIT 5")
	if err != nil {
		return nil, fmt.Errorf("%w: top accessed: %v", ErrInternal, err)
	}
	var top []AccessedMemory
	for topRows.Next() {
		var content string
		var n int
		if err := topRows.Scan(&content, &n); err != nil {
			topRows.Close()
			return nil, fmt.Errorf("%w: scan: %v", ErrInternal, err)
		}
		top = append(top, AccessedMemory{ContentPreview: contentPreview(content), AccessCount: n})
	}
	topRows.Close()
	if err := topRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	usagePct := float64(total) / float64(s.cfg.MaxTotalMemories) * 100
	health := "Warning - Near limit"
	switch {
	case usagePct < 70:
		health = "Healthy"
	case usagePct < 90:
		health = "Monitor - Consider cleanup"
	}

	return &MemoryStats{
		TotalMemories:       total,
		MemoryLimit:         s.cfg.MaxTotalMemories,
		Categories:          categories,
		RecentWeekCount:     recentCount,
		DatabaseSizeMB:      math.Round(float64(sizeBytes)/1024/1024*100) / 100,
		EmbeddingModel:      s.cfg.Embedding.Provider + "/" + s.cfg.Embedding.Model,
		EmbeddingDimensions: s.cfg.Embedding.Dimensions,
		TopAccessed:         top,
		HealthStatus:        health,
	}, nil
}
