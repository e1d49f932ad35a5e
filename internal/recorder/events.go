package recorder

import (
	"time"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/media"
)

// Event is delivered on Recorder.Events: ChunkReady or RecordingError.
type Event interface {
	event()
}

// ChunkReady announces a finalized file. The file is closed and complete
// when the event is sent.
type ChunkReady struct {
	RecordingID string
	Index       uint64
	Path        string
	Start       media.Timestamp
	Duration    time.Duration
	Kind        chunk.Kind
	Bytes       int64
}

func (ChunkReady) event() {}

// Chunk returns the chunk record the event was built from.
func (e ChunkReady) Chunk() chunk.Chunk {
	return chunk.Chunk{
		Index:     e.Index,
		Kind:      e.Kind,
		Path:      e.Path,
		Start:     e.Start,
		Duration:  e.Duration,
		Bytes:     e.Bytes,
		Finalized: true,
	}
}

func chunkReady(recordingID string, c chunk.Chunk) ChunkReady {
	return ChunkReady{
		RecordingID: recordingID,
		Index:       c.Index,
		Path:        c.Path,
		Start:       c.Start,
		Duration:    c.Duration,
		Kind:        c.Kind,
		Bytes:       c.Bytes,
	}
}

// RecordingError is the terminal event of a recording that failed.
type RecordingError struct {
	RecordingID string
	Kind        ErrorKind
	Message     string
	Err         error
}

func (RecordingError) event() {}

func recordingError(recordingID string, err *Error) RecordingError {
	return RecordingError{
		RecordingID: recordingID,
		Kind:        err.Kind,
		Message:     err.Error(),
		Err:         err,
	}
}
