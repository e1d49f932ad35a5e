package recorder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/chunkrec/internal/chunk"
)

func TestError(t *testing.T) {
	err := newError(KindIO, "write sample", chunk.ErrNonMonotonic)

	assert.Equal(t, "write sample: io error: non-monotonic timestamp", err.Error())
	assert.ErrorIs(t, err, chunk.ErrNonMonotonic)
	assert.True(t, err.Fatal())

	bare := &Error{Kind: KindState, Err: ErrNoActiveRecording}
	assert.Equal(t, "state error: no active recording", bare.Error())
	assert.False(t, bare.Fatal())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("stopping: %w", newError(KindProtocol, "apply output format", ErrFormatAlreadySet))
	assert.Equal(t, KindProtocol, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestRecordingErrorEvent(t *testing.T) {
	err := newError(KindAdapter, "dequeue output", errors.New("pipe closed"))
	e := recordingError("rec-1", err)

	assert.Equal(t, "rec-1", e.RecordingID)
	assert.Equal(t, KindAdapter, e.Kind)
	assert.Equal(t, err.Error(), e.Message)
	assert.ErrorIs(t, e.Err, err)
}

func TestChunkReadyRoundTrip(t *testing.T) {
	c := chunk.Chunk{Index: 3, Kind: chunk.KindData, Path: "/tmp/3.mp4", Start: 6_000_000, Duration: 2_000_000_000, Bytes: 1024, Finalized: true}
	e := chunkReady("rec-1", c)
	c.Samples = 0
	assert.Equal(t, c, e.Chunk())
}
