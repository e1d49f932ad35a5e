// Package recorder coordinates a chunked recording: it owns the encoder
// adapter, the drain pump and the chunk writer, and reports finished chunks
// as events.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/encoder"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/segment"
	"github.com/jmylchreest/chunkrec/internal/storage"
)

// State is the lifecycle state of a Recorder.
type State int

// Recorder states.
const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Recorder. Exactly one of Adapter and PushAdapter
// must be set.
type Options struct {
	Config      config.RecordingConfig
	Adapter     encoder.Adapter
	PushAdapter encoder.PushAdapter
	// FrameDuration is the nominal frame duration, used for the last sample
	// of a chunk when nothing better is known.
	FrameDuration time.Duration
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Summary describes a recording once it has stopped.
type Summary struct {
	ID        string
	Dir       string
	Chunks    int
	Samples   int64
	Dropped   int64
	Frames    int64
	Bytes     int64
	Duration  time.Duration
	StartedAt time.Time
	StoppedAt time.Time
	Err       error
}

// Recorder runs one recording. Control methods are safe for concurrent use.
type Recorder struct {
	id      string
	cfg     config.RecordingConfig
	opts    Options
	policy  segment.Policy
	mode    chunk.Mode
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	state     State
	paused    bool
	pump      *Pump
	dir       *storage.Dir
	frames    int64
	startedAt time.Time
	summary   Summary

	events   chan Event
	queue    *eventQueue
	finished chan struct{}
}

// New creates an idle recorder.
func New(opts Options) (*Recorder, error) {
	if (opts.Adapter == nil) == (opts.PushAdapter == nil) {
		return nil, fmt.Errorf("exactly one of Adapter and PushAdapter is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recording config: %w", err)
	}
	policy, err := segment.New(cfg.Segmentation)
	if err != nil {
		return nil, err
	}
	mode, err := chunk.ParseMode(cfg.FragmentMode)
	if err != nil {
		return nil, err
	}
	if !chunk.ValidOrientation(cfg.Orientation) {
		return nil, fmt.Errorf("%w: %d", chunk.ErrInvalidOrientation, cfg.Orientation)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := ulid.Make().String()
	events := make(chan Event, cfg.EventBuffer)

	return &Recorder{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		policy:   policy,
		mode:     mode,
		logger:   observability.WithRecording(observability.WithComponent(logger, "recorder"), id),
		metrics:  opts.Metrics,
		events:   events,
		queue:    newEventQueue(events),
		finished: make(chan struct{}),
	}, nil
}

// ID returns the recording's unique identifier.
func (r *Recorder) ID() string {
	return r.id
}

// Events returns the ordered event stream. It is closed after the last
// event of a started recording. Events queue without limit until read, so a
// slow reader never stalls the recording.
func (r *Recorder) Events() <-chan Event {
	return r.events
}

// Done is closed once a started recording has fully stopped.
func (r *Recorder) Done() <-chan struct{} {
	return r.finished
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Paused reports whether frames are currently discarded.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Summary returns the recording summary. It is complete once the recorder
// has stopped.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopped {
		return r.summary
	}
	return r.buildSummary()
}

// Dir returns the output directory, or nil before Start.
func (r *Recorder) Dir() *storage.Dir {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Start prepares the output directory and starts the encoder and the pump.
func (r *Recorder) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return newError(KindState, "start", ErrAlreadyRecording)
	}

	done := observability.TimedOperationWithError(ctx, r.logger, "start_recording", &err)
	defer done()

	dir, err := storage.Prepare(r.cfg.OutputDir)
	if err != nil {
		return newError(KindIO, "prepare output directory", err)
	}
	if err := dir.EnsureFreeSpace(ctx, r.cfg.MinFreeSpace.Bytes()); err != nil {
		return newError(KindIO, "check free space", err)
	}

	writer, err := chunk.NewWriter(chunk.Options{
		Dir:              dir,
		Naming:           &r.cfg,
		Mode:             r.mode,
		Timescale:        r.cfg.Timescale,
		FragmentDuration: r.cfg.FragmentDuration,
		Orientation:      r.cfg.Orientation,
		FrameDuration:    r.opts.FrameDuration,
		Logger:           r.logger,
	})
	if err != nil {
		return newError(KindIO, "create chunk writer", err)
	}

	pump := NewPump(PumpOptions{
		RecordingID:    r.id,
		Adapter:        r.opts.Adapter,
		Writer:         writer,
		Policy:         r.policy,
		Target:         r.cfg.ChunkDuration,
		StrictIO:       r.cfg.StrictIO(),
		DequeueTimeout: r.cfg.DequeueTimeout,
		PollInterval:   r.cfg.PollInterval,
		Emit:           r.emit,
		Metrics:        r.metrics,
		Logger:         r.logger,
	})

	if r.opts.Adapter != nil {
		if err := r.opts.Adapter.Start(ctx); err != nil {
			return newError(KindAdapter, "start encoder", err)
		}
		pump.Start()
	} else {
		if err := r.opts.PushAdapter.Start(ctx, pump.Deliver); err != nil {
			return newError(KindAdapter, "start encoder", err)
		}
	}

	r.dir = dir
	r.pump = pump
	r.startedAt = time.Now()
	r.setState(StateRecording)
	go r.queue.run()
	go r.watch()

	r.logger.Info("recording started",
		slog.String("output_dir", dir.Path()),
		slog.String("segmentation", r.policy.Name()),
		slog.String("fragment_mode", string(r.mode)),
		slog.Duration("chunk_duration", r.cfg.ChunkDuration))
	return nil
}

// Stop flushes the encoder, drains its remaining output, finalizes the open
// chunk and waits until the recording has stopped or ctx is done. If ctx
// ends first the open chunk is finalized without waiting for the encoder
// and ctx's error is returned. Stop never waits for events to be read.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateStopped:
		r.mu.Unlock()
		return newError(KindState, "stop", ErrNoActiveRecording)
	case StateStopping:
		r.mu.Unlock()
		return r.wait(ctx)
	}

	r.setState(StateStopping)
	r.paused = false
	pump := r.pump
	if err := r.stopAdapter(); err != nil && !errors.Is(err, encoder.ErrNotStarted) {
		r.logger.Warn("stopping encoder", slog.String("error", err.Error()))
	}
	r.mu.Unlock()

	pump.Tick()
	return r.wait(ctx)
}

func (r *Recorder) wait(ctx context.Context) error {
	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
	}

	r.logger.Warn("encoder did not finish before stop deadline, finalizing now")
	r.mu.Lock()
	pump := r.pump
	r.mu.Unlock()
	pump.Abort()
	<-r.finished
	return ctx.Err()
}

// Pause stops forwarding frames to the encoder. The encoder and the open
// chunk stay open.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return newError(KindState, "pause", ErrNoActiveRecording)
	}
	if !r.paused {
		r.paused = true
		r.logger.Info("recording paused")
	}
	return nil
}

// Resume forwards frames again. With rotate_on_pause the next keyframe
// starts a new chunk.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return newError(KindState, "resume", ErrNoActiveRecording)
	}
	if !r.paused {
		return nil
	}
	r.paused = false
	if r.cfg.RotateOnPause {
		r.pump.ForceRotation()
	}
	r.logger.Info("recording resumed", slog.Bool("rotate", r.cfg.RotateOnPause))
	return nil
}

// WriteFrame forwards one raw frame to the encoder input. Frames written
// while paused are discarded. The write may block when the encoder is
// saturated.
func (r *Recorder) WriteFrame(frame []byte) error {
	if len(frame) == 0 {
		return newError(KindState, "write frame", ErrInvalidBuffer)
	}

	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return newError(KindState, "write frame", ErrNoActiveRecording)
	}
	if r.paused {
		r.mu.Unlock()
		return nil
	}
	input := r.input()
	pump := r.pump
	r.frames++
	r.mu.Unlock()

	if _, err := input.Write(frame); err != nil {
		return newError(KindAdapter, "write frame", err)
	}
	pump.Tick()
	return nil
}

func (r *Recorder) input() io.Writer {
	if r.opts.Adapter != nil {
		return r.opts.Adapter.Input()
	}
	return r.opts.PushAdapter.Input()
}

func (r *Recorder) stopAdapter() error {
	if r.opts.Adapter != nil {
		return r.opts.Adapter.Stop()
	}
	return r.opts.PushAdapter.Stop()
}

// watch waits for the pump to end, whether through Stop, end of stream or
// a fatal error, and closes the recording.
func (r *Recorder) watch() {
	<-r.pump.Done()

	r.mu.Lock()
	if r.state == StateRecording {
		// The stream ended on its own; make sure the encoder is released.
		if err := r.stopAdapter(); err != nil && !errors.Is(err, encoder.ErrNotStarted) {
			r.logger.Debug("stopping encoder after stream end", slog.String("error", err.Error()))
		}
	}
	r.setState(StateStopped)
	r.summary = r.buildSummary()
	summary := r.summary
	r.mu.Unlock()

	r.pump.Close()

	attrs := []any{
		slog.Int("chunks", summary.Chunks),
		slog.Duration("duration", summary.Duration),
		slog.Int64("bytes", summary.Bytes),
		slog.Int64("samples", summary.Samples),
		slog.Int64("dropped", summary.Dropped),
	}
	if summary.Err != nil {
		r.logger.Error("recording stopped with error", append(attrs, slog.String("error", summary.Err.Error()))...)
	} else {
		r.logger.Info("recording stopped", attrs...)
	}

	r.queue.close()
	close(r.finished)
}

func (r *Recorder) buildSummary() Summary {
	s := Summary{
		ID:        r.id,
		Frames:    r.frames,
		StartedAt: r.startedAt,
	}
	if r.dir != nil {
		s.Dir = r.dir.Path()
	}
	if r.pump != nil {
		stats := r.pump.Stats()
		s.Chunks = stats.Chunks
		s.Samples = stats.Samples
		s.Dropped = stats.Dropped
		s.Bytes = stats.Bytes
		s.Duration = stats.Duration
		if err := r.pump.Err(); err != nil {
			s.Err = err
		}
	}
	if r.state == StateStopped {
		s.StoppedAt = time.Now()
	}
	return s
}

func (r *Recorder) setState(s State) {
	r.state = s
	r.metrics.SetRecordingState(int(s))
}

// emit is the pump's event sink. It runs under the pump lock and never
// blocks.
func (r *Recorder) emit(e Event) {
	r.queue.push(e)
}
