package chunk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/media"
	"github.com/jmylchreest/chunkrec/internal/storage"
	"github.com/jmylchreest/chunkrec/internal/testutil"
)

func newTestWriter(t *testing.T, mutate func(*Options)) *Writer {
	t.Helper()
	dir, err := storage.Prepare(t.TempDir())
	require.NoError(t, err)

	opts := Options{
		Dir:              dir,
		Naming:           &config.RecordingConfig{Extension: "mp4"},
		Mode:             ModeStandalone,
		Timescale:        90000,
		FragmentDuration: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := NewWriter(opts)
	require.NoError(t, err)
	return w
}

// splitFile separates the leading ftyp+moov boxes from the fragments.
func splitFile(t *testing.T, data []byte) (init, fragments []byte) {
	t.Helper()
	off := 0
	for off < len(data) {
		require.GreaterOrEqual(t, len(data)-off, 8)
		size := int(uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3]))
		typ := string(data[off+4 : off+8])
		if typ == "moof" {
			break
		}
		require.Positive(t, size)
		off += size
	}
	return data[:off], data[off:]
}

func readParts(t *testing.T, data []byte) fmp4.Parts {
	t.Helper()
	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(data))
	return parts
}

func writeAll(t *testing.T, w *Writer, h *Handle, samples []media.Sample) {
	t.Helper()
	for _, s := range samples {
		require.NoError(t, w.Write(h, s))
	}
}

func countSamples(parts fmp4.Parts) int {
	n := 0
	for _, p := range parts {
		for _, tr := range p.Tracks {
			n += len(tr.Samples)
		}
	}
	return n
}

func TestWriter_StandaloneChunkIsSelfContained(t *testing.T) {
	w := newTestWriter(t, nil)
	gen := testutil.NewSampleDataGeneratorWithSeed(1)
	opts := testutil.DefaultTimelineOptions()
	opts.End = media.FromDuration(2 * time.Second)
	samples := gen.Timeline(opts)

	h, err := w.Open(testutil.H264Format(), samples[0].PTS, 0)
	require.NoError(t, err)
	writeAll(t, w, h, samples)

	c, err := w.Finalize(h, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), c.Index)
	assert.Equal(t, KindData, c.Kind)
	assert.True(t, c.Finalized)
	assert.Equal(t, len(samples), c.Samples)
	assert.Equal(t, "0.mp4", filepath.Base(c.Path))
	assert.InDelta(t, float64(2*time.Second), float64(c.Duration), float64(time.Millisecond))

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), c.Bytes)

	initData, fragData := splitFile(t, data)
	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(initData)))
	require.Len(t, init.Tracks, 1)
	assert.Equal(t, uint32(90000), init.Tracks[0].TimeScale)
	codec, ok := init.Tracks[0].Codec.(*mp4.CodecH264)
	require.True(t, ok)
	assert.Equal(t, testutil.H264SPS, codec.SPS)

	parts := readParts(t, fragData)
	require.NotEmpty(t, parts)
	assert.Equal(t, uint32(1), parts[0].SequenceNumber)
	assert.Equal(t, uint64(0), parts[0].Tracks[0].BaseTime)
	assert.Equal(t, len(samples), countSamples(parts))

	first := parts[0].Tracks[0].Samples[0]
	assert.False(t, first.IsNonSyncSample)

	// Parameter sets travel in-band with every keyframe.
	var au h264.AVCC
	require.NoError(t, au.Unmarshal(first.Payload))
	require.GreaterOrEqual(t, len(au), 3)
	assert.Equal(t, h264.NALUTypeSPS, h264.NALUType(au[0][0]&0x1F))
	assert.Equal(t, h264.NALUTypePPS, h264.NALUType(au[1][0]&0x1F))
	assert.Equal(t, h264.NALUTypeIDR, h264.NALUType(au[2][0]&0x1F))
}

func TestWriter_ExplicitEnd(t *testing.T) {
	w := newTestWriter(t, nil)
	gen := testutil.NewSampleDataGeneratorWithSeed(2)
	samples := gen.KeyframesAt(media.FromDuration(time.Second), testutil.FrameInterval, 0)

	h, err := w.Open(testutil.H264Format(), 0, 0)
	require.NoError(t, err)
	writeAll(t, w, h, samples)

	end := media.FromDuration(time.Second)
	c, err := w.Finalize(h, &end)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.Duration)
	assert.Equal(t, end, c.End())

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	_, fragData := splitFile(t, data)
	parts := readParts(t, fragData)

	var total uint64
	for _, p := range parts {
		for _, s := range p.Tracks[0].Samples {
			total += uint64(s.Duration)
		}
	}
	assert.Equal(t, uint64(90000), total, "sample durations cover the chunk exactly")
}

func TestWriter_SingleSampleUsesFrameDuration(t *testing.T) {
	w := newTestWriter(t, func(o *Options) { o.FrameDuration = 40 * time.Millisecond })
	gen := testutil.NewSampleDataGeneratorWithSeed(3)

	h, err := w.Open(testutil.H264Format(), 5_000_000, 7)
	require.NoError(t, err)
	require.NoError(t, w.Write(h, media.Sample{Payload: gen.KeyframeAU(32), PTS: 5_000_000, Flags: media.FlagKeyframe}))

	c, err := w.Finalize(h, nil)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, c.Duration)
	assert.Equal(t, media.Timestamp(5_000_000), c.Start)
	assert.Equal(t, "7.mp4", filepath.Base(c.Path))
}

func TestWriter_Fragments(t *testing.T) {
	w := newTestWriter(t, func(o *Options) { o.FragmentDuration = 500 * time.Millisecond })
	gen := testutil.NewSampleDataGeneratorWithSeed(4)
	opts := testutil.DefaultTimelineOptions()
	opts.End = media.FromDuration(2 * time.Second)
	samples := gen.Timeline(opts)

	h, err := w.Open(testutil.H264Format(), 0, 0)
	require.NoError(t, err)
	writeAll(t, w, h, samples)
	c, err := w.Finalize(h, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	_, fragData := splitFile(t, data)
	parts := readParts(t, fragData)

	assert.Len(t, parts, 4)
	assert.Equal(t, len(samples), countSamples(parts))
	for i, p := range parts {
		assert.Equal(t, uint32(i+1), p.SequenceNumber)
	}
	for i := 1; i < len(parts); i++ {
		prev := parts[i-1].Tracks[0]
		var span uint64
		for _, s := range prev.Samples {
			span += uint64(s.Duration)
		}
		assert.Equal(t, prev.BaseTime+span, parts[i].Tracks[0].BaseTime, "fragments are contiguous")
	}
}

func TestWriter_SharedMode(t *testing.T) {
	w := newTestWriter(t, func(o *Options) { o.Mode = ModeShared })
	gen := testutil.NewSampleDataGeneratorWithSeed(5)
	format := testutil.H264Format()

	initChunk, err := w.WriteInit(format)
	require.NoError(t, err)
	assert.Equal(t, KindInit, initChunk.Kind)
	assert.Equal(t, "init.mp4", filepath.Base(initChunk.Path))

	initData, err := os.ReadFile(initChunk.Path)
	require.NoError(t, err)
	var init fmp4.Init
	require.NoError(t, init.Unmarshal(bytes.NewReader(initData)))

	var chunks []Chunk
	for i, start := range []media.Timestamp{1_000_000, 2_000_000} {
		h, err := w.Open(format, start, uint64(i))
		require.NoError(t, err)
		opts := testutil.DefaultTimelineOptions()
		opts.Start, opts.End = start, start+media.FromDuration(time.Second)
		writeAll(t, w, h, gen.Timeline(opts))
		end := start + media.FromDuration(time.Second)
		c, err := w.Finalize(h, &end)
		require.NoError(t, err)
		chunks = append(chunks, c)
	}

	var bases []uint64
	var seqs []uint32
	for _, c := range chunks {
		data, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		assert.Equal(t, "moof", string(data[4:8]), "shared chunks carry no init segment")
		parts := readParts(t, data)
		bases = append(bases, parts[0].Tracks[0].BaseTime)
		seqs = append(seqs, parts[0].SequenceNumber)
	}
	assert.Equal(t, []uint64{0, 90000}, bases, "decode time continues across chunks")
	assert.Less(t, seqs[0], seqs[1])
}

func TestWriter_OneChunkAtATime(t *testing.T) {
	w := newTestWriter(t, nil)
	gen := testutil.NewSampleDataGeneratorWithSeed(6)
	format := testutil.H264Format()

	_, isEmpty := w.Slot().(NoChunk)
	assert.True(t, isEmpty)

	h, err := w.Open(format, 0, 0)
	require.NoError(t, err)
	cur, ok := w.Current()
	require.True(t, ok)
	assert.Same(t, h, cur)

	_, err = w.Open(format, 0, 1)
	assert.ErrorIs(t, err, ErrChunkOpen)

	require.NoError(t, w.Write(h, media.Sample{Payload: gen.KeyframeAU(16), Flags: media.FlagKeyframe}))
	_, err = w.Finalize(h, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, h.State())

	err = w.Write(h, media.Sample{Payload: gen.DeltaAU(16), PTS: 1})
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = w.Finalize(h, nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestWriter_WriteErrors(t *testing.T) {
	w := newTestWriter(t, nil)
	gen := testutil.NewSampleDataGeneratorWithSeed(7)

	h, err := w.Open(testutil.H264Format(), 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(h, media.Sample{Payload: gen.KeyframeAU(16), PTS: 100_000, Flags: media.FlagKeyframe}))

	err = w.Write(h, media.Sample{Payload: gen.DeltaAU(16), PTS: 50_000})
	assert.ErrorIs(t, err, ErrNonMonotonic)

	err = w.Write(h, media.Sample{PTS: 200_000})
	assert.ErrorIs(t, err, ErrEmptySample)

	// Equal timestamps are allowed.
	assert.NoError(t, w.Write(h, media.Sample{Payload: gen.DeltaAU(16), PTS: 100_000}))
	assert.Equal(t, 2, h.Samples())
}

func TestWriter_ConfigSamplesAreAbsorbed(t *testing.T) {
	w := newTestWriter(t, nil)
	gen := testutil.NewSampleDataGeneratorWithSeed(8)

	assert.False(t, w.Absorb(media.Sample{Payload: testutil.ConfigAU(), Flags: media.FlagConfig}),
		"nothing to absorb into before the format is known")

	h, err := w.Open(testutil.H264Format(), 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(h, media.Sample{Payload: gen.KeyframeAU(16), Flags: media.FlagKeyframe}))
	require.NoError(t, w.Write(h, media.Sample{Payload: testutil.ConfigAU(), PTS: 10, Flags: media.FlagConfig}))
	assert.Equal(t, 1, h.Samples())
}

func TestWriter_FormatIsFixed(t *testing.T) {
	w := newTestWriter(t, nil)
	format := testutil.H264Format()

	require.NoError(t, w.SetFormat(format))
	require.NoError(t, w.SetFormat(format))

	other := format.Clone()
	other.PPS = []byte{0x68, 0xee, 0x3c, 0x80}
	assert.ErrorIs(t, w.SetFormat(other), ErrFormatChange)

	got, ok := w.Format()
	require.True(t, ok)
	assert.Equal(t, format.PPS, got.PPS)
}

func TestWriter_MissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	dir, err := storage.Open(missing)
	require.NoError(t, err)

	w, err := NewWriter(Options{Dir: dir, Naming: &config.RecordingConfig{Extension: "mp4"}})
	require.NoError(t, err)

	_, err = w.Open(testutil.H264Format(), 0, 0)
	assert.ErrorIs(t, err, storage.ErrDirMissing)

	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "the writer never creates directories")

	_, ok := w.Slot().(NoChunk)
	assert.True(t, ok)
}

func TestWriter_IndexPadding(t *testing.T) {
	w := newTestWriter(t, func(o *Options) {
		o.Naming = &config.RecordingConfig{Extension: "m4s", IndexPadding: 5}
	})

	h, err := w.Open(testutil.H264Format(), 0, 42)
	require.NoError(t, err)
	assert.Equal(t, "00042.m4s", filepath.Base(h.Path()))
}

func TestNewWriter_Validation(t *testing.T) {
	dir, err := storage.Prepare(t.TempDir())
	require.NoError(t, err)
	naming := &config.RecordingConfig{Extension: "mp4"}

	tests := []struct {
		name string
		opts Options
	}{
		{"no dir", Options{Naming: naming}},
		{"no naming", Options{Dir: dir}},
		{"bad mode", Options{Dir: dir, Naming: naming, Mode: "interleaved"}},
		{"bad orientation", Options{Dir: dir, Naming: naming, Orientation: 45}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWriter(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStandalone, m)

	m, err = ParseMode("shared")
	require.NoError(t, err)
	assert.Equal(t, ModeShared, m)

	_, err = ParseMode("both")
	assert.Error(t, err)
}
