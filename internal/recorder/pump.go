package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/encoder"
	"github.com/jmylchreest/chunkrec/internal/media"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/segment"
)

// PumpOptions configures a Pump.
type PumpOptions struct {
	RecordingID string
	// Adapter is polled by the pump's worker. Leave nil for push adapters
	// and call Deliver instead.
	Adapter        encoder.Adapter
	Writer         *chunk.Writer
	Policy         segment.Policy
	Target         time.Duration
	StrictIO       bool
	DequeueTimeout time.Duration
	PollInterval   time.Duration
	// Emit receives events in order. It is called with the pump's lock held
	// and must not block.
	Emit    func(Event)
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Stats counts what a pump has written.
type Stats struct {
	Chunks   int
	Samples  int64
	Dropped  int64
	Bytes    int64
	Duration time.Duration
}

// Pump moves encoder output into the chunk writer. All processing happens
// under one mutex, either on the worker goroutine (pull) or on the
// caller of Deliver (push).
type Pump struct {
	opts   PumpOptions
	logger *slog.Logger

	mu        sync.Mutex
	policy    *segment.Forced
	format    *media.OutputFormat
	needInit  bool
	nextIndex uint64
	lastPTS   media.Timestamp
	hasLast   bool
	finished  bool
	err       *Error
	stats     Stats

	tick    chan struct{}
	done    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewPump creates a pump.
func NewPump(opts PumpOptions) *Pump {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = segment.KeyframeDuration{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.Emit == nil {
		opts.Emit = func(Event) {}
	}
	return &Pump{
		opts:   opts,
		logger: logger,
		policy: &segment.Forced{Policy: opts.Policy},
		tick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

// Start launches the worker for pull adapters. It is a no-op for push.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.opts.Adapter == nil {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.worker()
}

// Tick signals that output may be available. Ticks coalesce.
func (p *Pump) Tick() {
	select {
	case p.tick <- struct{}{}:
	default:
	}
}

// Deliver processes one output from a push adapter.
func (p *Pump) Deliver(out encoder.Output) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.process(out)
}

// Done is closed once the stream has ended or failed.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error that ended the pump, if any.
func (p *Pump) Err() *Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the pump's counters.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ForceRotation makes the next keyframe start a new chunk.
func (p *Pump) ForceRotation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.Force()
}

// Abort finalizes the open chunk and ends the pump without waiting for the
// end of stream.
func (p *Pump) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish(nil)
}

// Close stops the worker. It does not finalize anything.
func (p *Pump) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pump) worker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-p.done:
			return
		case <-p.tick:
		case <-ticker.C:
		}
		p.drain()
	}
}

// drain processes everything the adapter has available.
func (p *Pump) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.finished {
		out, err := p.opts.Adapter.Next(p.opts.DequeueTimeout)
		if err != nil {
			p.fail(KindAdapter, "dequeue output", err)
			return
		}
		if out.Kind == encoder.KindWouldBlock {
			return
		}
		p.process(out)
	}
}

func (p *Pump) process(out encoder.Output) {
	if p.finished {
		return
	}
	switch out.Kind {
	case encoder.KindFormatChanged:
		p.setFormat(out.Format)
	case encoder.KindSample:
		p.handleSample(out.Sample)
	case encoder.KindEndOfStream:
		p.finish(nil)
	}
}

func (p *Pump) setFormat(format media.OutputFormat) {
	if p.format != nil {
		p.fail(KindProtocol, "apply output format", ErrFormatAlreadySet)
		return
	}
	if err := p.opts.Writer.SetFormat(format); err != nil {
		p.fail(KindAdapter, "apply output format", err)
		return
	}
	f, _ := p.opts.Writer.Format()
	p.format = &f

	p.logger.Info("encoder output format",
		slog.String("codec", string(f.Codec)),
		slog.Int("width", f.Width),
		slog.Int("height", f.Height))

	// Shared mode writes init.mp4 together with the first chunk, so a
	// stream rejected before its first sample leaves no files behind.
	p.needInit = p.opts.Writer.Mode() == chunk.ModeShared
}

func (p *Pump) writeInit() bool {
	c, err := p.opts.Writer.WriteInit(*p.format)
	if err != nil {
		// Without the init segment no chunk is playable.
		p.fail(KindIO, "write init segment", err)
		return false
	}
	p.needInit = false
	p.opts.Emit(chunkReady(p.opts.RecordingID, c))
	return true
}

func (p *Pump) handleSample(s media.Sample) {
	if s.IsEndOfStream() && len(s.Payload) == 0 {
		p.finish(nil)
		return
	}
	if p.format == nil {
		p.fail(KindProtocol, "write sample", ErrNoFormat)
		return
	}
	if s.IsConfig() {
		p.opts.Writer.Absorb(s)
		if s.IsEndOfStream() {
			p.finish(nil)
		}
		return
	}
	if len(s.Payload) == 0 {
		p.fail(KindAdapter, "write sample", ErrInvalidBuffer)
		return
	}

	if p.hasLast && s.PTS < p.lastPTS {
		p.ioFailure("write sample", fmt.Errorf("%w: %d after %d", chunk.ErrNonMonotonic, s.PTS, p.lastPTS))
		return
	}

	if p.needInit && !p.writeInit() {
		return
	}
	if err := p.route(s); err != nil {
		p.ioFailure("write sample", err)
		return
	}
	p.lastPTS, p.hasLast = s.PTS, true
	p.stats.Samples++
	p.opts.Metrics.SampleWritten()

	if s.IsEndOfStream() {
		p.finish(nil)
	}
}

// route applies the segment policy and writes s to the right chunk.
func (p *Pump) route(s media.Sample) error {
	h, open := p.opts.Writer.Current()

	// After a failed open only a keyframe may start the next chunk.
	if !open && p.nextIndex > 0 && !s.IsKeyframe() {
		return errSkipped
	}

	d := segment.Decision{
		HasOpenChunk: open,
		IsKeyframe:   s.IsKeyframe(),
		IsBoundary:   s.IsBoundary(),
		SampleTS:     s.PTS,
		Target:       p.opts.Target,
	}
	if open {
		d.ChunkStart = h.Start()
	}

	if p.policy.ShouldRotate(d) {
		if open {
			end := s.PTS
			if err := p.finalize(h, &end); err != nil {
				return err
			}
		}
		var err error
		h, err = p.opts.Writer.Open(*p.format, s.PTS, p.nextIndex)
		if err != nil {
			return err
		}
		p.nextIndex++
	}

	return p.opts.Writer.Write(h, s)
}

var errSkipped = errors.New("no open chunk, waiting for a keyframe")

// finalize closes h and reports it.
func (p *Pump) finalize(h *chunk.Handle, end *media.Timestamp) error {
	c, err := p.opts.Writer.Finalize(h, end)
	if err != nil {
		return err
	}
	p.stats.Chunks++
	p.stats.Bytes += c.Bytes
	p.stats.Duration += c.Duration
	p.opts.Metrics.ChunkFinalized(c.Bytes, c.Duration)

	p.logger.Info("chunk ready",
		slog.Uint64("index", c.Index),
		slog.String("path", c.Path),
		slog.Duration("duration", c.Duration),
		slog.Int("samples", c.Samples),
		slog.Int64("bytes", c.Bytes))

	p.opts.Emit(chunkReady(p.opts.RecordingID, c))
	return nil
}

// ioFailure ends the recording under the strict policy; otherwise the
// sample is dropped and recording continues.
func (p *Pump) ioFailure(op string, err error) {
	p.stats.Dropped++
	if errors.Is(err, errSkipped) {
		p.logger.Log(context.Background(), observability.LevelTrace, "dropped sample", slog.String("reason", err.Error()))
		return
	}
	if p.opts.StrictIO {
		p.fail(KindIO, op, err)
		return
	}
	p.opts.Metrics.SampleDropped()
	p.opts.Metrics.RecordingError(string(KindIO))
	p.logger.Warn("dropped sample after write failure",
		slog.String("operation", op),
		slog.String("error", err.Error()))
}

func (p *Pump) fail(kind ErrorKind, op string, err error) {
	p.finish(newError(kind, op, err))
}

// finish finalizes the open chunk and ends the pump. A non-nil err is
// reported as the terminal RecordingError after the chunk's ChunkReady.
func (p *Pump) finish(err *Error) {
	if p.finished {
		return
	}
	p.finished = true

	if h, open := p.opts.Writer.Current(); open {
		if ferr := p.finalize(h, nil); ferr != nil {
			p.logger.Error("finalizing last chunk", slog.String("error", ferr.Error()))
			if err == nil && p.opts.StrictIO {
				err = newError(KindIO, "finalize chunk", ferr)
			}
		}
	}

	if err != nil {
		p.err = err
		p.opts.Metrics.RecordingError(string(err.Kind))
		p.logger.Error("recording failed",
			slog.String("kind", string(err.Kind)),
			slog.String("error", err.Error()))
		p.opts.Emit(recordingError(p.opts.RecordingID, err))
	}
	close(p.done)
}
