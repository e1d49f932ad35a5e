package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/encoder"
	"github.com/jmylchreest/chunkrec/internal/media"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/recorder"
	"github.com/jmylchreest/chunkrec/internal/testutil"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a synthetic encoder timeline without FFmpeg",
	Long: `Feed a generated H.264 access unit timeline straight into the recorder,
bypassing FFmpeg. Keyframes follow encoder.keyframe_interval and samples
follow encoder.frame_rate. Useful for checking chunk boundaries, the
playlist, the catalog and uploads on machines without an encoder.`,
	RunE: runSimulate,
}

func init() {
	addRecordingFlags(simulateCmd.Flags())
	simulateCmd.Flags().Duration("duration", 30*time.Second, "length of the simulated timeline")
	simulateCmd.Flags().Bool("realtime", false, "pace samples at the frame rate")
	simulateCmd.Flags().Int64("seed", 1, "payload generator seed")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	realtime, _ := cmd.Flags().GetBool("realtime")
	seed, _ := cmd.Flags().GetInt64("seed")
	if duration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}
	logger := slog.Default()

	settings := encoder.SettingsFromConfig(cfg.Encoder)
	opts := testutil.DefaultTimelineOptions()
	opts.End = media.FromDuration(duration)
	opts.FrameInterval = media.FromDuration(settings.FrameDuration())
	opts.KeyframeEvery = media.FromDuration(cfg.Encoder.KeyframeInterval)
	opts.Boundaries = cfg.Recording.Segmentation == config.SegmentationReported
	samples := testutil.NewSampleDataGeneratorWithSeed(seed).Timeline(opts)

	ctx, cancel := signalContext(0)
	defer cancel()

	metrics := observability.NewMetrics()
	out, err := openSinks(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer out.close()

	source := encoder.NewCallback()
	rec, err := recorder.New(recorder.Options{
		Config:        cfg.Recording,
		PushAdapter:   source,
		FrameDuration: settings.FrameDuration(),
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("simulating recording",
		slog.String("recording_id", rec.ID()),
		slog.Int("samples", len(samples)),
		slog.Duration("duration", duration),
		slog.Duration("keyframe_interval", cfg.Encoder.KeyframeInterval))

	feed := func(ctx context.Context) error {
		if err := source.Emit(encoder.FormatOutput(testutil.H264Format())); err != nil {
			return err
		}
		var ticker *time.Ticker
		if realtime {
			ticker = time.NewTicker(settings.FrameDuration())
			defer ticker.Stop()
		}
		for _, sample := range samples {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			if err := source.Emit(encoder.SampleOutput(sample)); err != nil {
				return err
			}
		}
		return nil
	}

	s := &session{rec: rec, sinks: out, metrics: metrics, logger: logger}
	_, err = s.run(ctx, feed)
	return err
}
