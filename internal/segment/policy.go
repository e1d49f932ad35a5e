// Package segment decides where a recording is split into chunks.
//
// Every decision is keyframe-aligned: a chunk never starts on a sample that
// needs earlier samples to decode, except the very first chunk.
package segment

import (
	"fmt"
	"time"

	"github.com/jmylchreest/chunkrec/internal/media"
)

// Decision is the input to a rotation decision.
type Decision struct {
	HasOpenChunk bool
	IsKeyframe   bool
	IsBoundary   bool
	ChunkStart   media.Timestamp
	SampleTS     media.Timestamp
	Target       time.Duration
}

// Policy decides whether the sample described by d starts a new chunk.
// Implementations are pure and never see config-only samples.
type Policy interface {
	ShouldRotate(d Decision) bool
	Name() string
}

// ShouldRotate is the keyframe+duration rule: rotate when nothing is open,
// or on a keyframe once the open chunk spans at least targetDurationUs.
func ShouldRotate(hasOpenChunk, isKeyframe bool, openChunkStart, sampleTS media.Timestamp, targetDurationUs uint64) bool {
	if !hasOpenChunk {
		return true
	}
	if !isKeyframe {
		return false
	}
	elapsed := sampleTS - openChunkStart
	return elapsed >= 0 && uint64(elapsed) >= targetDurationUs
}

// KeyframeDuration rotates on the first keyframe at or past the target duration.
type KeyframeDuration struct{}

// ShouldRotate implements Policy.
func (KeyframeDuration) ShouldRotate(d Decision) bool {
	return ShouldRotate(d.HasOpenChunk, d.IsKeyframe, d.ChunkStart, d.SampleTS, uint64(d.Target/time.Microsecond))
}

// Name implements Policy.
func (KeyframeDuration) Name() string { return "keyframe" }

// Reported rotates where the encoder marked a segment boundary. The target
// duration is the encoder's concern; it places forced keyframes on a grid.
type Reported struct{}

// ShouldRotate implements Policy.
func (Reported) ShouldRotate(d Decision) bool {
	if !d.HasOpenChunk {
		return true
	}
	return d.IsKeyframe && d.IsBoundary && d.SampleTS > d.ChunkStart
}

// Name implements Policy.
func (Reported) Name() string { return "reported" }

// New returns the policy registered under name.
func New(name string) (Policy, error) {
	switch name {
	case "", "keyframe":
		return KeyframeDuration{}, nil
	case "reported":
		return Reported{}, nil
	default:
		return nil, fmt.Errorf("unknown segmentation policy %q", name)
	}
}

// Forced wraps a policy so the next keyframe rotates regardless of duration.
// The recorder uses it to start a fresh chunk after a pause.
type Forced struct {
	Policy
	pending bool
}

// Force arms a rotation on the next keyframe.
func (f *Forced) Force() { f.pending = true }

// Pending reports whether a forced rotation is armed.
func (f *Forced) Pending() bool { return f.pending }

// ShouldRotate implements Policy.
func (f *Forced) ShouldRotate(d Decision) bool {
	if f.pending && d.HasOpenChunk && d.IsKeyframe {
		f.pending = false
		return true
	}
	rotate := f.Policy.ShouldRotate(d)
	if rotate {
		f.pending = false
	}
	return rotate
}
