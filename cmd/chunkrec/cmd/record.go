package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/encoder"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/recorder"
	"github.com/jmylchreest/chunkrec/internal/version"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a synthetic test pattern through FFmpeg",
	Long: `Encode a moving color-bar test pattern with FFmpeg and record it as
fragmented MP4 chunks.

Recording runs for --duration, or until SIGINT/SIGTERM when no duration is
given. On shutdown the encoder is flushed, the open chunk is finalized and
pending uploads are completed before exiting.`,
	RunE: runRecord,
}

func init() {
	addRecordingFlags(recordCmd.Flags())
	recordCmd.Flags().Duration("duration", 0, "stop after this long (0 = until interrupted)")
	recordCmd.Flags().String("codec", "", "video codec (h264, h265)")
	rootCmd.AddCommand(recordCmd)
}

// addRecordingFlags registers the flags shared by record and simulate.
func addRecordingFlags(fs *pflag.FlagSet) {
	fs.String("output-dir", "", "directory for chunk files")
	fs.Duration("chunk-duration", 0, "target chunk duration")
	fs.String("segmentation", "", "rotation policy (keyframe, reported)")
	fs.String("fragment-mode", "", "init segment placement (standalone, shared)")
}

// applyFlags copies explicitly set flags over the loaded configuration and
// validates the result.
func applyFlags(fs *pflag.FlagSet, c *config.Config) error {
	if fs.Changed("output-dir") {
		c.Recording.OutputDir, _ = fs.GetString("output-dir")
	}
	if fs.Changed("chunk-duration") {
		c.Recording.ChunkDuration, _ = fs.GetDuration("chunk-duration")
	}
	if fs.Changed("segmentation") {
		c.Recording.Segmentation, _ = fs.GetString("segmentation")
	}
	if fs.Changed("fragment-mode") {
		c.Recording.FragmentMode, _ = fs.GetString("fragment-mode")
	}
	if f := fs.Lookup("codec"); f != nil && f.Changed {
		c.Encoder.Codec = f.Value.String()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM and, when d
// is positive, after d.
func signalContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runRecord(cmd *cobra.Command, _ []string) error {
	if err := applyFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	logger := slog.Default()

	settings := encoder.SettingsFromConfig(cfg.Encoder)
	if cfg.Recording.Segmentation == config.SegmentationReported {
		// The encoder reports a boundary at each forced keyframe.
		settings.SegmentInterval = cfg.Recording.ChunkDuration
	}

	ctx, cancel := signalContext(duration)
	defer cancel()

	metrics := observability.NewMetrics()
	out, err := openSinks(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer out.close()

	adapter := encoder.NewFFmpeg(settings, observability.WithComponent(logger, "encoder"))
	rec, err := recorder.New(recorder.Options{
		Config:        cfg.Recording,
		Adapter:       adapter,
		FrameDuration: settings.FrameDuration(),
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting recording",
		slog.String("version", version.Version),
		slog.String("recording_id", rec.ID()),
		slog.String("encoder", settings.String()),
		slog.Duration("duration", duration))

	pattern := encoder.NewTestPattern(settings.Width, settings.Height)
	feed := func(ctx context.Context) error {
		ticker := time.NewTicker(settings.FrameDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := rec.WriteFrame(pattern.Next()); err != nil {
					return err
				}
			}
		}
	}

	s := &session{rec: rec, sinks: out, metrics: metrics, logger: logger}
	_, err = s.run(ctx, feed)

	if stats := adapter.Stats(); stats != nil {
		logger.Info("encoder usage",
			slog.Int("pid", stats.PID),
			slog.Duration("cpu_time", stats.CPUTime),
			slog.Uint64("memory_rss_bytes", stats.MemoryRSSBytes),
			slog.Uint64("bytes_in", stats.BytesWritten),
			slog.Uint64("bytes_out", stats.BytesRead))
	}
	return err
}
