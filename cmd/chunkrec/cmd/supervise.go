package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/recorder"
)

const (
	stopTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// session wires one recorder to its sinks and metrics server.
type session struct {
	rec     *recorder.Recorder
	sinks   *sinks
	metrics *observability.Metrics
	logger  *slog.Logger
}

// run starts the recorder, lets feed drive it until ctx ends or feed
// returns, then stops it and waits for every event to be handled and every
// upload to finish.
func (s *session) run(ctx context.Context, feed func(context.Context) error) (recorder.Summary, error) {
	if err := s.rec.Start(ctx); err != nil {
		return recorder.Summary{}, err
	}
	if err := s.sinks.attach(s.rec.Dir()); err != nil {
		_ = s.rec.Stop(context.Background())
		return recorder.Summary{}, err
	}

	shutdown := s.serveMetrics()
	defer shutdown()

	// The group outlives ctx: after a signal the recording still has to be
	// flushed and uploaded.
	g, gctx := errgroup.WithContext(context.Background())

	if s.sinks.uploader != nil {
		g.Go(func() error {
			return s.sinks.uploader.Run(gctx)
		})
	}

	g.Go(func() error {
		return s.sinks.consume(gctx, s.rec.Events())
	})

	g.Go(func() error {
		feedCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-s.rec.Done():
				cancel()
			case <-feedCtx.Done():
			}
		}()

		if err := feed(feedCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("frame source stopped", slog.String("error", err.Error()))
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if err := s.rec.Stop(stopCtx); err != nil && !errors.Is(err, recorder.ErrNoActiveRecording) {
			return fmt.Errorf("stopping recorder: %w", err)
		}
		return nil
	})

	err := g.Wait()
	summary := s.rec.Summary()
	s.logger.Info("recording finished",
		slog.String("recording_id", summary.ID),
		slog.String("dir", summary.Dir),
		slog.Int("chunks", summary.Chunks),
		slog.Int64("frames", summary.Frames),
		slog.Int64("samples", summary.Samples),
		slog.Int64("dropped", summary.Dropped),
		slog.Int64("bytes", summary.Bytes),
		slog.Duration("duration", summary.Duration))

	if err == nil {
		err = summary.Err
	}
	return summary, err
}

// serveMetrics starts the /metrics and /healthz server when enabled and
// returns its shutdown function.
func (s *session) serveMetrics() func() {
	mcfg := cfg.Metrics
	if !mcfg.Enabled {
		return func() {}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", s.metrics.HTTPHandler())
	r.Get("/healthz", s.health)

	srv := &http.Server{
		Addr:              mcfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("metrics server listening", slog.String("addr", mcfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	RecordingID string `json:"recording_id"`
	State       string `json:"state"`
	Paused      bool   `json:"paused"`
}

func (s *session) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		RecordingID: s.rec.ID(),
		State:       s.rec.State().String(),
		Paused:      s.rec.Paused(),
	}
	code := http.StatusOK
	if summary := s.rec.Summary(); summary.Err != nil {
		resp.Status = "failed"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
