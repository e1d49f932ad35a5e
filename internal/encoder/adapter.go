// Package encoder adapts video encoders to a common pull/push contract: raw
// frames go in through Input, compressed samples come out in presentation
// order, preceded by exactly one output format.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmylchreest/chunkrec/internal/media"
)

// OutputKind classifies what an adapter produced.
type OutputKind int

// Output kinds.
const (
	// KindWouldBlock means nothing is available right now.
	KindWouldBlock OutputKind = iota
	// KindSample carries one compressed sample.
	KindSample
	// KindFormatChanged carries the output format. It precedes every sample.
	KindFormatChanged
	// KindEndOfStream means the encoder has flushed everything.
	KindEndOfStream
)

func (k OutputKind) String() string {
	switch k {
	case KindWouldBlock:
		return "would_block"
	case KindSample:
		return "sample"
	case KindFormatChanged:
		return "format_changed"
	case KindEndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Output is one result of draining an encoder.
type Output struct {
	Kind   OutputKind
	Sample media.Sample
	Format media.OutputFormat
}

// SampleOutput wraps a sample.
func SampleOutput(s media.Sample) Output {
	return Output{Kind: KindSample, Sample: s}
}

// FormatOutput wraps an output format.
func FormatOutput(f media.OutputFormat) Output {
	return Output{Kind: KindFormatChanged, Format: f}
}

// EndOfStream returns the end-of-stream output.
func EndOfStream() Output {
	return Output{Kind: KindEndOfStream}
}

// Adapter errors.
var (
	ErrNotStarted         = errors.New("encoder not started")
	ErrAlreadyStarted     = errors.New("encoder already started")
	ErrEncoderUnavailable = errors.New("encoder unavailable")
)

// Adapter is a polled encoder.
type Adapter interface {
	// Start launches the encoder. Input is writable afterwards.
	Start(ctx context.Context) error
	// Next waits up to timeout for the next output and returns KindWouldBlock
	// if nothing arrived. Errors are fatal for the recording.
	Next(timeout time.Duration) (Output, error)
	// Stop flushes and halts the encoder. Subsequent Next calls drain what
	// is left and then yield KindEndOfStream.
	Stop() error
	// Input is the raw frame input.
	Input() io.Writer
}

// PushAdapter is an encoder that delivers outputs through a callback instead
// of being polled. deliver is never called concurrently with itself.
type PushAdapter interface {
	Start(ctx context.Context, deliver func(Output)) error
	Stop() error
	Input() io.Writer
}
