package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/media"
)

func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(config.CatalogConfig{
		Enabled:  true,
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "catalog.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dataChunk(index uint64, start time.Duration) chunk.Chunk {
	return chunk.Chunk{
		Index:     index,
		Kind:      chunk.KindData,
		Path:      filepath.Join("/recordings", "x", "chunk.mp4"),
		Start:     media.FromDuration(start),
		Duration:  5 * time.Second,
		Bytes:     4096,
		Finalized: true,
	}
}

func TestOpen_SQLite(t *testing.T) {
	c := setupTestCatalog(t)
	assert.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "sqlite", c.Driver())
}

func TestOpen_InvalidDriver(t *testing.T) {
	c, err := Open(config.CatalogConfig{Driver: "invalid", DSN: "x"}, nil)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestCatalog_RecordAndList(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	initChunk := chunk.Chunk{Kind: chunk.KindInit, Path: "/recordings/x/init.mp4", Bytes: 700, Finalized: true}
	for _, ch := range []chunk.Chunk{dataChunk(1, 5*time.Second), initChunk, dataChunk(0, 0)} {
		_, err := c.Record(ctx, "rec-a", ch)
		require.NoError(t, err)
	}
	_, err := c.Record(ctx, "rec-b", dataChunk(0, 0))
	require.NoError(t, err)

	recs, err := c.List(ctx, "rec-a")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, string(chunk.KindInit), recs[0].Kind)
	assert.Equal(t, uint64(0), recs[1].Index)
	assert.Equal(t, uint64(1), recs[2].Index)
	assert.Equal(t, int64(5_000_000), recs[2].StartUS)
	assert.Equal(t, int64(5000), recs[2].DurationMS)
	assert.Len(t, recs[0].ID, 26)
}

func TestCatalog_RecordIsIdempotent(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	first, err := c.Record(ctx, "rec-a", dataChunk(0, 0))
	require.NoError(t, err)

	again := dataChunk(0, 0)
	again.Bytes = 8192
	second, err := c.Record(ctx, "rec-a", again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(8192), second.Bytes)

	recs, err := c.List(ctx, "rec-a")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCatalog_MarkUploadedAndPending(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	a, err := c.Record(ctx, "rec-a", dataChunk(0, 0))
	require.NoError(t, err)
	b, err := c.Record(ctx, "rec-a", dataChunk(1, 5*time.Second))
	require.NoError(t, err)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, c.MarkUploaded(ctx, a.ID, "recordings/rec-a/0.mp4"))

	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	got, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Uploaded())
	assert.Equal(t, "recordings/rec-a/0.mp4", got.ObjectKey)

	err = c.MarkUploaded(ctx, "missing", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkRecord_Chunk(t *testing.T) {
	ch := dataChunk(3, 15*time.Second)
	rec := newChunkRecord("rec-a", ch)
	assert.Equal(t, ch, rec.Chunk())
	assert.False(t, rec.Uploaded())
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"silent", 1},
		{"error", 2},
		{"warn", 3},
		{"info", 4},
		{"", 3},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, int(gormLogLevel(tt.in)))
		})
	}
}

func TestQueryLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	q := newQueryLogger(log, "warn")
	stmt := func() (string, int64) { return "SELECT * FROM chunk_records", 0 }

	q.Trace(context.Background(), time.Now(), stmt, nil)
	assert.Empty(t, buf.String(), "fast queries are not logged at warn")

	q.Trace(context.Background(), time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	q.Trace(context.Background(), time.Now(), stmt, errors.New("disk I/O error"))
	assert.Contains(t, buf.String(), `"msg":"catalog query failed"`)
	assert.Contains(t, buf.String(), `"error":"disk I/O error"`)

	buf.Reset()
	q.Trace(context.Background(), time.Now().Add(-2*time.Second), stmt, nil)
	assert.Contains(t, buf.String(), `"msg":"slow catalog query"`)

	buf.Reset()
	q.LogMode(1).Trace(context.Background(), time.Now(), stmt, errors.New("ignored"))
	assert.Empty(t, buf.String())
}
