package store

import "time"

// MemoryEntry is one stored memory row.
type MemoryEntry struct {
	ID          int64     `json:"id"`
	ContentHash string    `json:"content_hash"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AccessCount int       `json:"access_count"`
}

// SearchResult pairs a memory with its distance to the query.
type SearchResult struct {
	Memory     MemoryEntry `json:"memory"`
	Similarity float32     `json:"similarity"`
	Distance   float32     `json:"distance"`
}

// StoreResult reports the outcome of storing a memory. Duplicate and
// capacity conditions are soft failures: Success is false, no error is
// raised.
type StoreResult struct {
	Success        bool      `json:"success"`
	MemoryID       int64     `json:"memory_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	ContentPreview string    `json:"content_preview,omitempty"`
	Category       string    `json:"category,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// CleanupResult reports a clear-old run.
type CleanupResult struct {
	Success        bool   `json:"success"`
	DeletedCount   int    `json:"deleted_count"`
	RemainingCount int    `json:"remaining_count"`
	Message        string `json:"message"`
}

// AccessedMemory is a stats entry for frequently read memories.
type AccessedMemory struct {
	ContentPreview string `json:"content_preview"`
	AccessCount    int    `json:"access_count"`
}

// MemoryStats summarizes the database.
type MemoryStats struct {
	TotalMemories       int              `json:"total_memories"`
	MemoryLimit         int              `json:"memory_limit"`
	Categories          map[string]int   `json:"categories"`
	RecentWeekCount     int              `json:"recent_week_count"`
	DatabaseSizeMB      float64          `json:"database_size_mb"`
	EmbeddingModel      string           `json:"embedding_model"`
	EmbeddingDimensions int              `json:"embedding_dimensions"`
	TopAccessed         []AccessedMemory `json:"top_accessed"`
	HealthStatus        string           `json:"health_status"`
}

// SnapshotResult reports snapshot creation.
type SnapshotResult struct {
	Success     bool      `json:"success"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	MemoryCount int       `json:"memory_count"`
	Error       string    `json:"error,omitempty"`
}

// RestoreResult reports a snapshot restore.
type RestoreResult struct {
	Success       bool   `json:"success"`
	RestoredCount int    `json:"restored_count"`
	Error         string `json:"error,omitempty"`
}

// TagChange is one planned remapping of a memory's tags.
type TagChange struct {
	MemoryID int64    `json:"memory_id"`
	OldTags  []string `json:"old_tags"`
	NewTags  []string `json:"new_tags"`
}

// PreviewResult reports a dry-run normalization plan.
type PreviewResult struct {
	Success               bool        `json:"success"`
	PreviewID             string      `json:"preview_id,omitempty"`
	TotalMemoriesScanned  int         `json:"total_memories_scanned"`
	UniqueTagsBefore      int         `json:"unique_tags_before"`
	UniqueTagsAfter       int         `json:"unique_tags_after"`
	PlannedUpdatesCount   int         `json:"planned_updates_count"`
	AffectedMemoriesCount int         `json:"affected_memories_count"`
	Changes               []TagChange `json:"changes"`
	Threshold             float32     `json:"threshold"`
	Error                 string      `json:"error,omitempty"`
}

// ApplyResult reports an applied normalization.
type ApplyResult struct {
	Success         bool   `json:"success"`
	AppliedCount    int    `json:"applied_count"`
	MemoriesUpdated int    `json:"memories_updated"`
	SnapshotID      string `json:"snapshot_id,omitempty"`
	PreviewID       string `json:"preview_id,omitempty"`
	Error           string `json:"error,omitempty"`
}
