// Package media defines the sample and format types that flow from the encoder
// adapter to the chunk writer.
package media

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// Timestamp is a presentation time in microseconds.
type Timestamp int64

// FromDuration converts a duration to a Timestamp.
func FromDuration(d time.Duration) Timestamp {
	return Timestamp(d / time.Microsecond)
}

// Duration returns the timestamp as a duration since zero.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// Sub returns the elapsed time t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t-u) * time.Microsecond
}

// Ticks converts the timestamp to the given timescale, truncating.
func (t Timestamp) Ticks(timescale uint32) int64 {
	return int64(t) * int64(timescale) / 1_000_000
}

// SampleFlags describes a compressed sample.
type SampleFlags uint8

// Sample flags.
const (
	// FlagKeyframe marks a sample decodable without prior samples.
	FlagKeyframe SampleFlags = 1 << iota
	// FlagConfig marks a codec-config-only sample. It carries parameter sets
	// and no picture.
	FlagConfig
	// FlagEndOfStream marks the last output of the encoder.
	FlagEndOfStream
	// FlagSegmentBoundary marks an encoder-chosen split point.
	FlagSegmentBoundary
)

// Has reports whether all bits of f are set.
func (s SampleFlags) Has(f SampleFlags) bool {
	return s&f == f
}

func (s SampleFlags) String() string {
	var parts []string
	if s.Has(FlagKeyframe) {
		parts = append(parts, "keyframe")
	}
	if s.Has(FlagConfig) {
		parts = append(parts, "config")
	}
	if s.Has(FlagEndOfStream) {
		parts = append(parts, "eos")
	}
	if s.Has(FlagSegmentBoundary) {
		parts = append(parts, "boundary")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Sample is one compressed access unit. Payload is only valid for the
// duration of the call it is passed to; keep a copy to retain it.
type Sample struct {
	Payload []byte
	PTS     Timestamp
	Flags   SampleFlags
}

// IsKeyframe reports whether the sample is a sync sample.
func (s Sample) IsKeyframe() bool { return s.Flags.Has(FlagKeyframe) }

// IsConfig reports whether the sample only carries codec configuration.
func (s Sample) IsConfig() bool { return s.Flags.Has(FlagConfig) }

// IsEndOfStream reports whether the sample terminates the stream.
func (s Sample) IsEndOfStream() bool { return s.Flags.Has(FlagEndOfStream) }

// IsBoundary reports whether the encoder flagged the sample as a split point.
func (s Sample) IsBoundary() bool { return s.Flags.Has(FlagSegmentBoundary) }

// Codec identifies the video compression format.
type Codec string

// Supported codecs.
const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// ParseCodec maps a configuration value to a Codec. Unknown values fall back to H.264.
func ParseCodec(s string) Codec {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h265", "hevc":
		return CodecH265
	default:
		return CodecH264
	}
}

// Errors returned by OutputFormat validation.
var (
	ErrMissingParameterSets = errors.New("missing parameter sets")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
)

// OutputFormat describes the encoder output. It is delivered once, before
// the first sample, and never changes for the lifetime of a recording.
type OutputFormat struct {
	Codec  Codec
	VPS    []byte // H.265 only
	SPS    []byte
	PPS    []byte
	Width  int
	Height int
}

// Validate checks that the format carries parsable parameter sets.
func (f OutputFormat) Validate() error {
	switch f.Codec {
	case CodecH264:
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return fmt.Errorf("h264: %w", ErrMissingParameterSets)
		}
		var sps h264.SPS
		if err := sps.Unmarshal(f.SPS); err != nil {
			return fmt.Errorf("h264 SPS unmarshal failed: %w", err)
		}
	case CodecH265:
		if len(f.VPS) == 0 || len(f.SPS) == 0 || len(f.PPS) == 0 {
			return fmt.Errorf("h265: %w", ErrMissingParameterSets)
		}
		var sps h265.SPS
		if err := sps.Unmarshal(f.SPS); err != nil {
			return fmt.Errorf("h265 SPS unmarshal failed: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, f.Codec)
	}
	return nil
}

// Clone returns a deep copy of the format.
func (f OutputFormat) Clone() OutputFormat {
	f.VPS = cloneBytes(f.VPS)
	f.SPS = cloneBytes(f.SPS)
	f.PPS = cloneBytes(f.PPS)
	return f
}

// NewOutputFormat builds a format from parameter sets, reading the picture
// size from the SPS.
func NewOutputFormat(codec Codec, params ParameterSets) (OutputFormat, error) {
	f := OutputFormat{
		Codec: codec,
		VPS:   cloneBytes(params.VPS),
		SPS:   cloneBytes(params.SPS),
		PPS:   cloneBytes(params.PPS),
	}
	if err := f.Validate(); err != nil {
		return OutputFormat{}, err
	}

	switch codec {
	case CodecH264:
		var sps h264.SPS
		if err := sps.Unmarshal(f.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
	case CodecH265:
		var sps h265.SPS
		if err := sps.Unmarshal(f.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
	}
	return f, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
