package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmylchreest/chunkrec/internal/media"
)

// ErrStopped is returned when outputs are pushed into a stopped adapter.
var ErrStopped = errors.New("encoder stopped")

// Scripted is an in-memory Adapter that replays queued outputs. Frames
// written to Input are counted and discarded.
type Scripted struct {
	mu       sync.Mutex
	queue    []Output
	started  bool
	stopped  bool
	failNext error
	startErr error
	frames   FrameCounter
	notify   chan struct{}
}

// NewScripted returns a scripted adapter with outputs already queued.
func NewScripted(outputs ...Output) *Scripted {
	return &Scripted{
		queue:  append([]Output(nil), outputs...),
		notify: make(chan struct{}, 1),
	}
}

// Script builds the outputs of an encoder that announces format and then
// produces samples.
func Script(format media.OutputFormat, samples []media.Sample) []Output {
	out := make([]Output, 0, len(samples)+1)
	out = append(out, FormatOutput(format))
	for _, s := range samples {
		out = append(out, SampleOutput(s))
	}
	return out
}

// FailStart makes the next Start return err.
func (s *Scripted) FailStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

// FailNext makes the next Next call return err.
func (s *Scripted) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
	s.signal()
}

// Push queues more outputs.
func (s *Scripted) Push(outputs ...Output) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, outputs...)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Pending returns the number of queued outputs.
func (s *Scripted) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Frames returns the number of frames written to Input.
func (s *Scripted) Frames() int64 {
	return s.frames.Frames()
}

// Start implements Adapter.
func (s *Scripted) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		err := s.startErr
		s.startErr = nil
		return err
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	return nil
}

// Next implements Adapter.
func (s *Scripted) Next(timeout time.Duration) (Output, error) {
	if out, ok, err := s.pop(); ok || err != nil {
		return out, err
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.notify:
		case <-timer.C:
		}
		if out, ok, err := s.pop(); ok || err != nil {
			return out, err
		}
	}
	return Output{Kind: KindWouldBlock}, nil
}

func (s *Scripted) pop() (Output, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return Output{}, false, ErrNotStarted
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return Output{}, false, err
	}
	if len(s.queue) > 0 {
		out := s.queue[0]
		s.queue = s.queue[1:]
		return out, true, nil
	}
	if s.stopped {
		return EndOfStream(), true, nil
	}
	return Output{}, false, nil
}

// Stop implements Adapter. Queued outputs remain available to Next.
func (s *Scripted) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// Input implements Adapter.
func (s *Scripted) Input() io.Writer {
	return &s.frames
}

func (s *Scripted) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Callback is a PushAdapter driven by Emit. It bridges encoders that report
// their output through callbacks.
type Callback struct {
	mu      sync.Mutex
	deliver func(Output)
	stopped bool
	frames  FrameCounter
}

// NewCallback returns an idle callback adapter.
func NewCallback() *Callback {
	return &Callback{}
}

// Start implements PushAdapter.
func (c *Callback) Start(_ context.Context, deliver func(Output)) error {
	if deliver == nil {
		return fmt.Errorf("callback adapter: nil deliver function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliver != nil {
		return ErrAlreadyStarted
	}
	c.deliver = deliver
	return nil
}

// Emit delivers one output synchronously.
func (c *Callback) Emit(out Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliver == nil {
		return ErrNotStarted
	}
	if c.stopped {
		return ErrStopped
	}
	c.deliver(out)
	return nil
}

// Stop implements PushAdapter. It delivers the end of stream.
func (c *Callback) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliver == nil {
		return ErrNotStarted
	}
	if c.stopped {
		return nil
	}
	c.stopped = true
	c.deliver(EndOfStream())
	return nil
}

// Input implements PushAdapter.
func (c *Callback) Input() io.Writer {
	return &c.frames
}

// FrameCounter is a raw frame sink that counts and discards writes.
type FrameCounter struct {
	mu     sync.Mutex
	frames int64
	bytes  int64
}

// Write implements io.Writer.
func (f *FrameCounter) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.frames++
	f.bytes += int64(len(p))
	f.mu.Unlock()
	return len(p), nil
}

// Frames returns the number of writes.
func (f *FrameCounter) Frames() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// Bytes returns the number of bytes written.
func (f *FrameCounter) Bytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes
}
