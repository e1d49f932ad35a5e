// Package chunk writes compressed video samples into a sequence of
// independently finalized fragmented MP4 files.
//
// A Writer owns at most one open chunk at a time. The open chunk is a
// *Handle; when nothing is open the writer's slot holds NoChunk. A Writer
// is not safe for concurrent use: callers serialize access.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/jmylchreest/chunkrec/internal/media"
	"github.com/jmylchreest/chunkrec/internal/storage"
)

// Kind distinguishes media chunks from the shared init segment.
type Kind string

// Chunk kinds.
const (
	KindData Kind = "data"
	KindInit Kind = "init"
)

// Mode selects where codec configuration lives.
type Mode string

// Fragment modes.
const (
	// ModeStandalone embeds the init segment in every chunk file.
	ModeStandalone Mode = "standalone"
	// ModeShared writes the init segment once; chunk files hold fragments only.
	ModeShared Mode = "shared"
)

// ParseMode parses a fragment mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStandalone:
		return ModeStandalone, nil
	case ModeShared:
		return ModeShared, nil
	default:
		return "", fmt.Errorf("unknown fragment mode %q", s)
	}
}

// Writer errors.
var (
	ErrChunkOpen    = errors.New("a chunk is already open")
	ErrNotOpen      = errors.New("chunk is not open")
	ErrNonMonotonic = errors.New("non-monotonic timestamp")
	ErrEmptySample  = errors.New("empty sample payload")
	ErrFormatChange = errors.New("output format differs from the recording's format")
)

// Chunk is the immutable record of a finalized file.
type Chunk struct {
	Index     uint64
	Kind      Kind
	Path      string
	Start     media.Timestamp
	Duration  time.Duration
	Samples   int
	Bytes     int64
	Finalized bool
}

// End returns the exclusive end of the chunk's timestamp range.
func (c Chunk) End() media.Timestamp {
	return c.Start + media.FromDuration(c.Duration)
}

// Naming maps chunk indexes to file names.
type Naming interface {
	ChunkFileName(index uint64) string
	InitFileName() string
}

// Options configures a Writer.
type Options struct {
	Dir              *storage.Dir
	Naming           Naming
	Mode             Mode
	Timescale        uint32
	FragmentDuration time.Duration
	Orientation      int
	// FrameDuration is the duration given to the last sample of a chunk
	// when nothing else is known about it.
	FrameDuration time.Duration
	Logger        *slog.Logger
}

const (
	defaultTimescale     = 90000
	defaultFrameDuration = time.Second / 30
)

// Slot is the writer's open-chunk state: NoChunk or *Handle.
type Slot interface {
	slot()
}

// NoChunk is the slot value when no chunk is open.
type NoChunk struct{}

func (NoChunk) slot() {}

// State is the lifecycle state of a Handle.
type State int

// Handle states.
const (
	StateOpen State = iota
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle is an open chunk.
type Handle struct {
	index uint64
	path  string
	start media.Timestamp
	base  media.Timestamp
	file  *os.File
	muxer *FMP4Writer
	state State

	bytes   int64
	samples int
	first   media.Timestamp
	last    media.Timestamp

	held      *heldSample
	frag      []*fmp4.Sample
	fragBase  uint64
	fragStart media.Timestamp

	durTicks     uint64
	durCount     uint64
	lastDuration uint64
}

func (*Handle) slot() {}

// heldSample waits for its successor, which determines its duration.
type heldSample struct {
	pts      media.Timestamp
	payload  []byte
	keyframe bool
}

// Index returns the chunk index.
func (h *Handle) Index() uint64 { return h.index }

// Path returns the chunk file path.
func (h *Handle) Path() string { return h.path }

// Start returns the timestamp of the chunk's first sample.
func (h *Handle) Start() media.Timestamp { return h.start }

// State returns the handle state.
func (h *Handle) State() State { return h.state }

// Samples returns the number of samples written so far.
func (h *Handle) Samples() int { return h.samples }

// Writer writes samples into chunk files.
type Writer struct {
	opts   Options
	logger *slog.Logger

	format *media.OutputFormat
	params media.ParameterSets
	init   []byte
	shared *FMP4Writer

	origin    media.Timestamp
	hasOrigin bool

	slot Slot
}

// NewWriter creates a chunk writer.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Dir == nil {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.Naming == nil {
		return nil, fmt.Errorf("file naming is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeStandalone
	}
	if opts.Mode != ModeStandalone && opts.Mode != ModeShared {
		return nil, fmt.Errorf("unknown fragment mode %q", opts.Mode)
	}
	if opts.Timescale == 0 {
		opts.Timescale = defaultTimescale
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = defaultFrameDuration
	}
	if !ValidOrientation(opts.Orientation) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrientation, opts.Orientation)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		opts:   opts,
		logger: logger,
		slot:   NoChunk{},
	}, nil
}

// Slot returns the current slot.
func (w *Writer) Slot() Slot {
	return w.slot
}

// Current returns the open chunk, if any.
func (w *Writer) Current() (*Handle, bool) {
	h, ok := w.slot.(*Handle)
	return h, ok
}

// Mode returns the fragment mode.
func (w *Writer) Mode() Mode {
	return w.opts.Mode
}

// SetFormat fixes the output format and builds the init segment. Calling it
// again with an identical format is a no-op.
func (w *Writer) SetFormat(format media.OutputFormat) error {
	if w.format != nil {
		if !sameFormat(*w.format, format) {
			return ErrFormatChange
		}
		return nil
	}

	if err := format.Validate(); err != nil {
		return fmt.Errorf("invalid output format: %w", err)
	}
	format = format.Clone()

	muxer, err := NewFMP4Writer(format, w.opts.Timescale)
	if err != nil {
		return err
	}
	init, err := muxer.GenerateInit(w.opts.Orientation)
	if err != nil {
		return err
	}

	w.format = &format
	w.init = init
	w.shared = muxer
	w.params = media.ParameterSets{VPS: format.VPS, SPS: format.SPS, PPS: format.PPS}
	return nil
}

// Format returns the output format once it is known.
func (w *Writer) Format() (media.OutputFormat, bool) {
	if w.format == nil {
		return media.OutputFormat{}, false
	}
	return *w.format, true
}

// InitSegment returns the marshaled init segment.
func (w *Writer) InitSegment() []byte {
	return w.init
}

// WriteInit writes the shared init segment file and returns its record.
func (w *Writer) WriteInit(format media.OutputFormat) (Chunk, error) {
	if err := w.SetFormat(format); err != nil {
		return Chunk{}, err
	}

	name := w.opts.Naming.InitFileName()
	if err := w.opts.Dir.AtomicWrite(name, w.init); err != nil {
		return Chunk{}, fmt.Errorf("writing init segment: %w", err)
	}
	path, err := w.opts.Dir.ResolvePath(name)
	if err != nil {
		return Chunk{}, err
	}

	w.logger.Debug("wrote init segment",
		slog.String("path", path),
		slog.Int("bytes", len(w.init)))

	return Chunk{
		Kind:      KindInit,
		Path:      path,
		Bytes:     int64(len(w.init)),
		Finalized: true,
	}, nil
}

// Absorb remembers the parameter sets carried by a config-only sample.
// Nothing is written. It reports whether the sets changed.
func (w *Writer) Absorb(s media.Sample) bool {
	if w.format == nil {
		return false
	}
	return w.params.Merge(media.ExtractParameterSets(w.format.Codec, media.SplitNALUs(s.Payload)))
}

// Open creates the file for chunk index starting at start.
func (w *Writer) Open(format media.OutputFormat, start media.Timestamp, index uint64) (*Handle, error) {
	if _, open := w.slot.(*Handle); open {
		return nil, ErrChunkOpen
	}
	if err := w.SetFormat(format); err != nil {
		return nil, err
	}

	name := w.opts.Naming.ChunkFileName(index)
	file, err := w.opts.Dir.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating chunk %d: %w", index, err)
	}

	if !w.hasOrigin {
		w.origin, w.hasOrigin = start, true
	}

	h := &Handle{
		index: index,
		path:  file.Name(),
		start: start,
		file:  file,
		state: StateOpen,
	}

	switch w.opts.Mode {
	case ModeShared:
		h.base = w.origin
		h.muxer = w.shared
	default:
		h.base = start
		h.muxer, err = NewFMP4Writer(*w.format, w.opts.Timescale)
		if err != nil {
			w.discard(h)
			return nil, err
		}
		n, err := file.Write(w.init)
		h.bytes += int64(n)
		if err != nil {
			w.discard(h)
			return nil, fmt.Errorf("writing init segment to chunk %d: %w", index, err)
		}
	}

	w.slot = h
	w.logger.Debug("opened chunk",
		slog.Uint64("index", index),
		slog.String("path", h.path),
		slog.Int64("start_us", int64(start)))
	return h, nil
}

func (w *Writer) discard(h *Handle) {
	h.file.Close()
	os.Remove(h.path)
	h.state = StateClosed
}

func (w *Writer) checkOpen(h *Handle) error {
	if h == nil {
		return ErrNotOpen
	}
	cur, ok := w.slot.(*Handle)
	if !ok || cur != h || h.state != StateOpen {
		return fmt.Errorf("chunk %d is %s: %w", h.index, h.state, ErrNotOpen)
	}
	return nil
}

// Write appends s to the open chunk. The payload is copied.
func (w *Writer) Write(h *Handle, s media.Sample) error {
	if err := w.checkOpen(h); err != nil {
		return err
	}
	if s.IsConfig() {
		w.Absorb(s)
		return nil
	}
	if len(s.Payload) == 0 {
		return ErrEmptySample
	}
	if h.samples > 0 && s.PTS < h.last {
		return fmt.Errorf("%w: %d after %d in chunk %d", ErrNonMonotonic, s.PTS, h.last, h.index)
	}

	codec := w.format.Codec
	nalus := media.SplitNALUs(s.Payload)
	keyframe := s.IsKeyframe()
	if keyframe {
		w.params.Merge(media.ExtractParameterSets(codec, nalus))
		if w.opts.Mode == ModeStandalone {
			nalus = media.PrependParameterSets(codec, nalus, w.params)
		}
	}
	payload, err := media.MarshalAVCC(nalus)
	if err != nil {
		return err
	}

	if h.held != nil {
		w.release(h, w.ticks(h, s.PTS)-w.ticks(h, h.held.pts))
		if s.PTS.Sub(h.fragStart) >= w.opts.FragmentDuration {
			if err := w.flush(h); err != nil {
				return err
			}
		}
	}

	h.held = &heldSample{pts: s.PTS, payload: payload, keyframe: keyframe}
	if h.samples == 0 {
		h.first = s.PTS
	}
	h.last = s.PTS
	h.samples++
	return nil
}

// ticks converts ts to track time relative to the handle's base.
func (w *Writer) ticks(h *Handle, ts media.Timestamp) uint64 {
	if ts <= h.base {
		return 0
	}
	return uint64((ts - h.base).Ticks(w.opts.Timescale))
}

func (w *Writer) toDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(w.opts.Timescale)
}

// release moves the held sample into the fragment buffer with duration d.
func (w *Writer) release(h *Handle, d uint64) {
	if len(h.frag) == 0 {
		h.fragBase = w.ticks(h, h.held.pts)
		h.fragStart = h.held.pts
	}
	h.frag = append(h.frag, &fmp4.Sample{
		Duration:        uint32(d),
		IsNonSyncSample: !h.held.keyframe,
		Payload:         h.held.payload,
	})
	h.durTicks += d
	h.durCount++
	h.lastDuration = d
	h.held = nil
}

// flush writes the buffered samples as one moof+mdat fragment.
func (w *Writer) flush(h *Handle) error {
	if len(h.frag) == 0 {
		return nil
	}
	data, err := h.muxer.GeneratePart(h.frag, h.fragBase)
	if err != nil {
		return err
	}
	n, err := h.file.Write(data)
	h.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("writing fragment to chunk %d: %w", h.index, err)
	}
	h.frag = nil
	return nil
}

// finalDuration picks the duration of the last sample of a chunk.
func (w *Writer) finalDuration(h *Handle, end *media.Timestamp) uint64 {
	if end != nil && *end > h.held.pts {
		return w.ticks(h, *end) - w.ticks(h, h.held.pts)
	}
	if h.durCount > 0 {
		return h.durTicks / h.durCount
	}
	d := uint64(media.FromDuration(w.opts.FrameDuration).Ticks(w.opts.Timescale))
	if d == 0 {
		d = 1
	}
	return d
}

// Finalize flushes and closes the chunk. end is the timestamp at which the
// next chunk starts, when known. The file is closed before Finalize returns,
// even on error.
func (w *Writer) Finalize(h *Handle, end *media.Timestamp) (Chunk, error) {
	if err := w.checkOpen(h); err != nil {
		return Chunk{}, err
	}
	h.state = StateFinalizing

	var firstErr error
	if h.held != nil {
		w.release(h, w.finalDuration(h, end))
	}
	if err := w.flush(h); err != nil {
		firstErr = err
	}
	if err := h.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("syncing chunk %d: %w", h.index, err)
	}
	if err := h.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing chunk %d: %w", h.index, err)
	}
	h.file = nil
	h.state = StateClosed
	w.slot = NoChunk{}

	c := Chunk{
		Index:     h.index,
		Kind:      KindData,
		Path:      h.path,
		Start:     h.start,
		Samples:   h.samples,
		Bytes:     h.bytes,
		Finalized: firstErr == nil,
	}
	switch {
	case end != nil && *end >= h.start:
		c.Duration = end.Sub(h.start)
	case h.samples > 0:
		c.Duration = h.last.Sub(h.first) + w.toDuration(h.lastDuration)
	}

	if firstErr != nil {
		return c, firstErr
	}

	w.logger.Debug("finalized chunk",
		slog.Uint64("index", c.Index),
		slog.String("path", c.Path),
		slog.Duration("duration", c.Duration),
		slog.Int("samples", c.Samples),
		slog.Int64("bytes", c.Bytes))
	return c, nil
}

func sameFormat(a, b media.OutputFormat) bool {
	return a.Codec == b.Codec &&
		bytes.Equal(a.VPS, b.VPS) &&
		bytes.Equal(a.SPS, b.SPS) &&
		bytes.Equal(a.PPS, b.PPS)
}
