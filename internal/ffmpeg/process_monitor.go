package ffmpeg

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a resource usage sample of the encoder process plus the
// bytes moved through its pipes.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"`
	CPUTime        time.Duration `json:"cpu_time"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	BytesWritten   uint64        `json:"bytes_written"`
	BytesRead      uint64        `json:"bytes_read"`
	StartedAt      time.Time     `json:"started_at"`
	SampledAt      time.Time     `json:"sampled_at"`
}

// ProcessMonitor periodically samples a process with gopsutil.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	written atomic.Uint64
	read    atomic.Uint64

	mu      sync.Mutex
	sample  ProcessStats
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NewProcessMonitor creates a monitor for pid sampling once per second.
func NewProcessMonitor(pid int) *ProcessMonitor {
	return &ProcessMonitor{pid: pid, startedAt: time.Now(), interval: time.Second}
}

// SetInterval changes the sampling interval. It must be called before Start.
func (m *ProcessMonitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// Start begins sampling. Later calls do nothing.
func (m *ProcessMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.interval)
}

// Stop ends sampling and waits for the sampler to exit. It is safe to call
// more than once, and before Start.
func (m *ProcessMonitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Stats returns the latest sample with current byte counts.
func (m *ProcessMonitor) Stats() ProcessStats {
	m.mu.Lock()
	s := m.sample
	m.mu.Unlock()

	s.PID = m.pid
	s.StartedAt = m.startedAt
	s.BytesWritten = m.written.Load()
	s.BytesRead = m.read.Load()
	return s
}

func (m *ProcessMonitor) loop(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	proc, err := process.NewProcessWithContext(ctx, int32(m.pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.take(ctx, proc)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *ProcessMonitor) take(ctx context.Context, proc *process.Process) {
	var s ProcessStats
	s.SampledAt = time.Now()
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = pct
	}
	if t, err := proc.TimesWithContext(ctx); err == nil {
		s.CPUTime = time.Duration((t.User + t.System) * float64(time.Second))
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		s.MemoryRSSBytes = mem.RSS
	}

	m.mu.Lock()
	m.sample = s
	m.mu.Unlock()
}

// CountingWriter counts bytes written through it into a monitor.
type CountingWriter struct {
	w io.Writer
	m *ProcessMonitor
}

// NewCountingWriter wraps w. A nil monitor counts nothing.
func NewCountingWriter(w io.Writer, m *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, m: m}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.m != nil {
		c.m.written.Add(uint64(n))
	}
	return n, err
}

// CountingReader counts bytes read through it into a monitor.
type CountingReader struct {
	r io.Reader
	m *ProcessMonitor
}

// NewCountingReader wraps r. A nil monitor counts nothing.
func NewCountingReader(r io.Reader, m *ProcessMonitor) *CountingReader {
	return &CountingReader{r: r, m: m}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.m != nil {
		c.m.read.Add(uint64(n))
	}
	return n, err
}
