// Package testutil provides test fixtures: valid parameter sets, synthetic
// access units and scripted sample timelines.
package testutil

import (
	"math/rand"
	"time"

	"github.com/jmylchreest/chunkrec/internal/media"
)

// H.264 parameter sets for a 640x480 baseline stream. They parse with
// mediacommon, so they can be used to build real init segments.
var (
	H264SPS = []byte{
		0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0x50, 0x1e,
		0xd8, 0x08, 0x00, 0x00, 0x03, 0x00, 0x08, 0x00,
		0x00, 0x03, 0x00, 0x3c, 0x8f, 0x16, 0x2d, 0x96,
	}
	H264PPS = []byte{0x68, 0xce, 0x06, 0xe2}
)

// H264Format returns an output format built from H264SPS and H264PPS.
func H264Format() media.OutputFormat {
	return media.OutputFormat{
		Codec:  media.CodecH264,
		SPS:    append([]byte(nil), H264SPS...),
		PPS:    append([]byte(nil), H264PPS...),
		Width:  640,
		Height: 480,
	}
}

// FrameInterval is the spacing of synthetic frames (30 fps).
const FrameInterval = media.Timestamp(33_333)

// SampleDataGenerator produces synthetic encoder output.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a generator with a random seed.
func NewSampleDataGenerator() *SampleDataGenerator {
	return &SampleDataGenerator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSampleDataGeneratorWithSeed creates a generator with a deterministic seed.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// payload returns n bytes that never contain a zero, so Annex B framing of
// the result is unambiguous.
func (g *SampleDataGenerator) payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(1 + g.rng.Intn(255))
	}
	return b
}

// KeyframeAU returns an Annex B IDR access unit.
func (g *SampleDataGenerator) KeyframeAU(size int) []byte {
	return annexB(append([]byte{0x65}, g.payload(size)...))
}

// DeltaAU returns an Annex B non-IDR access unit.
func (g *SampleDataGenerator) DeltaAU(size int) []byte {
	return annexB(append([]byte{0x41}, g.payload(size)...))
}

// ConfigAU returns an Annex B access unit carrying only SPS and PPS.
func ConfigAU() []byte {
	return annexB(H264SPS, H264PPS)
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// TimelineOptions shapes a synthetic sample sequence.
type TimelineOptions struct {
	Start         media.Timestamp
	End           media.Timestamp // exclusive
	FrameInterval media.Timestamp
	// KeyframeEvery places a keyframe at Start and then every interval.
	KeyframeEvery media.Timestamp
	// Boundaries flags every keyframe as an encoder segment boundary.
	Boundaries bool
	MinSize    int
	MaxSize    int
}

// DefaultTimelineOptions returns 30 fps with a keyframe every second.
func DefaultTimelineOptions() TimelineOptions {
	return TimelineOptions{
		FrameInterval: FrameInterval,
		KeyframeEvery: media.FromDuration(time.Second),
		MinSize:       64,
		MaxSize:       512,
	}
}

// Timeline generates samples from opts.Start up to opts.End.
func (g *SampleDataGenerator) Timeline(opts TimelineOptions) []media.Sample {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = FrameInterval
	}
	if opts.MaxSize < opts.MinSize {
		opts.MaxSize = opts.MinSize
	}

	var samples []media.Sample
	nextKey := opts.Start
	for ts := opts.Start; ts < opts.End; ts += opts.FrameInterval {
		size := opts.MinSize + g.rng.Intn(opts.MaxSize-opts.MinSize+1)
		if opts.KeyframeEvery > 0 && ts >= nextKey {
			flags := media.FlagKeyframe
			if opts.Boundaries {
				flags |= media.FlagSegmentBoundary
			}
			samples = append(samples, media.Sample{Payload: g.KeyframeAU(size), PTS: ts, Flags: flags})
			for nextKey <= ts {
				nextKey += opts.KeyframeEvery
			}
			continue
		}
		samples = append(samples, media.Sample{Payload: g.DeltaAU(size), PTS: ts})
	}
	return samples
}

// KeyframesAt generates one sample per frame interval up to end, with
// keyframes exactly at the given timestamps.
func (g *SampleDataGenerator) KeyframesAt(end, interval media.Timestamp, keys ...media.Timestamp) []media.Sample {
	isKey := make(map[media.Timestamp]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	var samples []media.Sample
	for ts := media.Timestamp(0); ts < end; ts += interval {
		if isKey[ts] {
			samples = append(samples, media.Sample{Payload: g.KeyframeAU(128), PTS: ts, Flags: media.FlagKeyframe})
			continue
		}
		samples = append(samples, media.Sample{Payload: g.DeltaAU(64), PTS: ts})
	}
	return samples
}
