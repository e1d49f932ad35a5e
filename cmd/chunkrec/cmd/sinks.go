package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmylchreest/chunkrec/internal/catalog"
	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/playlist"
	"github.com/jmylchreest/chunkrec/internal/recorder"
	"github.com/jmylchreest/chunkrec/internal/storage"
	"github.com/jmylchreest/chunkrec/internal/upload"
)

// sinks receive the recorder's events: the catalog, the playlist and the
// uploader, each optional.
type sinks struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	playlist *playlist.Builder
	uploader *upload.Uploader
	logger   *slog.Logger
}

func openSinks(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*sinks, error) {
	s := &sinks{cfg: cfg, logger: logger}

	if cfg.Catalog.Enabled {
		c, err := catalog.Open(cfg.Catalog, observability.WithComponent(logger, "catalog"))
		if err != nil {
			return nil, fmt.Errorf("opening catalog: %w", err)
		}
		s.catalog = c
	}

	if cfg.Upload.Enabled {
		uploadLogger := observability.WithComponent(logger, "upload")
		store, err := upload.NewS3Store(ctx, cfg.Upload, uploadLogger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("connecting to object storage: %w", err)
		}
		s.uploader = upload.New(store, upload.Options{
			Prefix:        cfg.Upload.Prefix,
			Workers:       cfg.Upload.Workers,
			RetryAttempts: cfg.Upload.RetryAttempts,
			RetryDelay:    cfg.Upload.RetryDelay,
			OnComplete:    s.uploaded,
			Metrics:       metrics,
			Logger:        uploadLogger,
		})
		s.resumePending(ctx)
	}

	return s, nil
}

// resumePending queues catalogued chunks that earlier runs did not upload.
func (s *sinks) resumePending(ctx context.Context) {
	if s.catalog == nil || s.uploader == nil {
		return
	}
	pending, err := s.catalog.Pending(ctx)
	if err != nil {
		s.logger.Warn("listing pending uploads failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range pending {
		if _, err := os.Stat(rec.Path); err != nil {
			continue
		}
		_ = s.uploader.Enqueue(upload.Job{RecordID: rec.ID, RecordingID: rec.RecordingID, Chunk: rec.Chunk()})
	}
	if len(pending) > 0 {
		s.logger.Info("resuming pending uploads", slog.Int("count", len(pending)))
	}
}

// attach starts the playlist once the recording's directory exists.
func (s *sinks) attach(dir *storage.Dir) error {
	if !s.cfg.Playlist.Enabled || dir == nil {
		return nil
	}
	mode, err := chunk.ParseMode(s.cfg.Recording.FragmentMode)
	if err != nil {
		return err
	}
	s.playlist = playlist.New(dir, s.cfg.Playlist.Name, mode)
	return nil
}

// consume handles events until the recorder closes its event stream, then
// finishes the playlist and closes the upload queue. A recording failure is
// reported through the recorder's summary, not here.
func (s *sinks) consume(ctx context.Context, events <-chan recorder.Event) error {
	for ev := range events {
		switch e := ev.(type) {
		case recorder.ChunkReady:
			s.chunkReady(ctx, e)
		case recorder.RecordingError:
			s.logger.Error("recording failed",
				slog.String("recording_id", e.RecordingID),
				slog.String("kind", string(e.Kind)),
				slog.String("error", e.Message))
		}
	}

	if s.playlist != nil {
		if err := s.playlist.Finish(); err != nil {
			s.logger.Warn("finishing playlist failed", slog.String("error", err.Error()))
		}
	}
	if s.uploader != nil {
		s.uploader.Close()
	}
	return nil
}

func (s *sinks) chunkReady(ctx context.Context, e recorder.ChunkReady) {
	c := e.Chunk()
	s.logger.Info("chunk ready",
		slog.String("recording_id", e.RecordingID),
		slog.Uint64("index", e.Index),
		slog.String("kind", string(e.Kind)),
		slog.String("path", e.Path),
		slog.Duration("duration", e.Duration),
		slog.Int64("bytes", e.Bytes))

	job := upload.Job{RecordingID: e.RecordingID, Chunk: c}
	if s.catalog != nil {
		rec, err := s.catalog.Record(ctx, e.RecordingID, c)
		if err != nil {
			s.logger.Warn("cataloguing chunk failed", slog.String("error", err.Error()))
		} else {
			job.RecordID = rec.ID
		}
	}
	if s.playlist != nil {
		if err := s.playlist.Add(c); err != nil {
			s.logger.Warn("updating playlist failed", slog.String("error", err.Error()))
		}
	}
	if s.uploader != nil {
		if err := s.uploader.Enqueue(job); err != nil && !errors.Is(err, upload.ErrClosed) {
			s.logger.Warn("queueing upload failed", slog.String("error", err.Error()))
		}
	}
}

func (s *sinks) uploaded(ctx context.Context, res upload.Result) {
	if res.Err != nil || s.catalog == nil || res.Job.RecordID == "" {
		return
	}
	if err := s.catalog.MarkUploaded(ctx, res.Job.RecordID, res.Key); err != nil {
		s.logger.Warn("marking chunk uploaded failed", slog.String("error", err.Error()))
	}
}

func (s *sinks) close() {
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			s.logger.Warn("closing catalog failed", slog.String("error", err.Error()))
		}
	}
}
