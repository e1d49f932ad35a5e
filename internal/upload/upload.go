// Package upload ships finalized chunks to object storage in the
// background.
//
// Jobs are accepted without blocking and uploaded by a fixed pool of
// workers. Completion callbacks run in the order jobs were enqueued, even
// when uploads finish out of order.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/observability"
)

// ContentType is the MIME type stored with every chunk.
const ContentType = "video/mp4"

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("uploader is closed")

// Job is a chunk waiting to be uploaded.
type Job struct {
	// RecordID is the catalog ID of the chunk, empty without a catalog.
	RecordID    string
	RecordingID string
	Chunk       chunk.Chunk

	seq uint64
}

// Result is the outcome of a job.
type Result struct {
	Job      Job
	Key      string
	Bytes    int64
	Attempts int
	Err      error
}

// Options configures an Uploader.
type Options struct {
	Prefix        string
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration
	// OnComplete is called once per job, in enqueue order.
	OnComplete func(context.Context, Result)
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Uploader runs uploads on a worker pool.
type Uploader struct {
	store ObjectStore
	opts  Options

	mu     sync.Mutex
	queue  []Job
	closed bool
	wake   chan struct{}
	next   uint64

	doneMu   sync.Mutex
	results  map[uint64]Result
	delivery uint64
}

// New creates an uploader. Call Run to start the workers.
func New(store ObjectStore, opts Options) *Uploader {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Uploader{
		store:   store,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		results: make(map[uint64]Result),
	}
}

// Key returns the object key for a chunk of a recording.
func Key(prefix, recordingID string, c chunk.Chunk) string {
	return path.Join(prefix, recordingID, filepath.Base(c.Path))
}

// Enqueue adds a job. It never blocks.
func (u *Uploader) Enqueue(job Job) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	job.seq = u.next
	u.next++
	u.queue = append(u.queue, job)
	u.mu.Unlock()

	u.signal()
	return nil
}

// Close stops accepting jobs. Run returns once the queue is drained.
func (u *Uploader) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.signal()
}

// Pending returns the number of jobs not yet picked up by a worker.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

// Run uploads jobs until Close has been called and the queue is empty, or
// ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < u.opts.Workers; i++ {
		g.Go(func() error {
			u.worker(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (u *Uploader) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// take pops the next job. ok is false once the uploader is closed and
// drained.
func (u *Uploader) take() (job Job, ok, done bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) > 0 {
		job = u.queue[0]
		u.queue = u.queue[1:]
		return job, true, false
	}
	return Job{}, false, u.closed
}

func (u *Uploader) worker(ctx context.Context) {
	for {
		job, ok, done := u.take()
		if done {
			// Let the other workers observe the close.
			u.signal()
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-u.wake:
			}
			continue
		}
		// Another job may be waiting for a worker.
		u.signal()
		u.complete(ctx, u.upload(ctx, job))
	}
}

func (u *Uploader) upload(ctx context.Context, job Job) Result {
	res := Result{Job: job, Key: Key(u.opts.Prefix, job.RecordingID, job.Chunk)}
	logger := u.opts.Logger.With(
		slog.String("recording_id", job.RecordingID),
		slog.String("key", res.Key),
	)

	for attempt := 0; attempt <= u.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return u.record(logger, res)
			case <-time.After(u.opts.RetryDelay):
			}
		}
		res.Attempts++
		n, err := u.store.PutFile(ctx, res.Key, job.Chunk.Path, ContentType)
		if err == nil {
			res.Bytes = n
			res.Err = nil
			return u.record(logger, res)
		}
		res.Err = err
		logger.Warn("chunk upload failed",
			slog.Int("attempt", res.Attempts),
			slog.String("error", err.Error()),
		)
	}
	res.Err = fmt.Errorf("uploading %s after %d attempts: %w", res.Key, res.Attempts, res.Err)
	return u.record(logger, res)
}

func (u *Uploader) record(logger *slog.Logger, res Result) Result {
	if res.Err != nil {
		u.opts.Metrics.Upload("failure")
		logger.Error("chunk upload abandoned", slog.String("error", res.Err.Error()))
		return res
	}
	u.opts.Metrics.Upload("success")
	logger.Debug("chunk uploaded", slog.Int64("bytes", res.Bytes))
	return res
}

// complete buffers res until every earlier job has completed, then
// delivers the ready prefix.
func (u *Uploader) complete(ctx context.Context, res Result) {
	u.doneMu.Lock()
	defer u.doneMu.Unlock()

	u.results[res.Job.seq] = res
	for {
		next, ok := u.results[u.delivery]
		if !ok {
			return
		}
		delete(u.results, u.delivery)
		u.delivery++
		if u.opts.OnComplete != nil {
			u.opts.OnComplete(ctx, next)
		}
	}
}
