package catalog

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/media"
)

// ChunkRecord is the persisted form of a finalized chunk.
type ChunkRecord struct {
	ID          string     `gorm:"primaryKey;size:26" json:"id"`
	RecordingID string     `gorm:"size:26;not null;uniqueIndex:idx_chunk_identity,priority:1" json:"recording_id"`
	Index       uint64     `gorm:"column:chunk_index;not null;uniqueIndex:idx_chunk_identity,priority:2" json:"index"`
	Kind        string     `gorm:"size:8;not null;uniqueIndex:idx_chunk_identity,priority:3" json:"kind"`
	Path        string     `gorm:"size:1024;not null" json:"path"`
	StartUS     int64      `gorm:"column:start_us" json:"start_us"`
	DurationMS  int64      `gorm:"column:duration_ms" json:"duration_ms"`
	Bytes       int64      `json:"bytes"`
	ObjectKey   string     `gorm:"size:1024" json:"object_key,omitempty"`
	UploadedAt  *time.Time `gorm:"index" json:"uploaded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName returns the table name for GORM.
func (ChunkRecord) TableName() string {
	return "chunk_records"
}

// BeforeCreate assigns a ULID when the record has none.
func (r *ChunkRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	return nil
}

// Uploaded reports whether the chunk has been uploaded.
func (r *ChunkRecord) Uploaded() bool {
	return r.UploadedAt != nil
}

// Chunk converts the record back to the writer's chunk description.
func (r *ChunkRecord) Chunk() chunk.Chunk {
	return chunk.Chunk{
		Index:     r.Index,
		Kind:      chunk.Kind(r.Kind),
		Path:      r.Path,
		Start:     media.Timestamp(r.StartUS),
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		Bytes:     r.Bytes,
		Finalized: true,
	}
}

func newChunkRecord(recordingID string, c chunk.Chunk) *ChunkRecord {
	return &ChunkRecord{
		RecordingID: recordingID,
		Index:       c.Index,
		Kind:        string(c.Kind),
		Path:        c.Path,
		StartUS:     int64(c.Start),
		DurationMS:  c.Duration.Milliseconds(),
		Bytes:       c.Bytes,
	}
}
