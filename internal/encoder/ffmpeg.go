package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/chunkrec/internal/ffmpeg"
	"github.com/jmylchreest/chunkrec/internal/media"
)

// stopTimeout bounds how long FFmpeg may take to flush after its input closes.
const stopTimeout = 10 * time.Second

// FFmpeg is an Adapter that encodes yuv420p frames with an FFmpeg subprocess.
// Frames go to FFmpeg's stdin; its MPEG-TS output is demuxed into samples
// and handed over an unbuffered channel, so a slow consumer stalls the
// demuxer and, through the pipes, the frame writer.
type FFmpeg struct {
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	cmd     *ffmpeg.Command
	stdin   io.WriteCloser
	input   io.Writer
	cancel  context.CancelFunc
	started bool
	stopped bool
	err     error

	out  chan Output
	done chan struct{}

	// Demux state, only touched by the demux goroutine.
	params       media.ParameterSets
	formatSent   bool
	origin       int64
	lastBoundary int64
}

// NewFFmpeg creates an FFmpeg adapter.
func NewFFmpeg(settings Settings, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		settings:     settings,
		logger:       logger.With(slog.String("component", "ffmpeg_encoder")),
		lastBoundary: -1,
	}
}

// EncoderName returns the FFmpeg encoder used for codec.
func EncoderName(codec media.Codec) string {
	if codec == media.CodecH265 {
		return "libx265"
	}
	return "libx264"
}

// Command builds the FFmpeg invocation for the adapter's settings.
func (a *FFmpeg) Command(binary string) *ffmpeg.Command {
	s := a.settings
	return ffmpeg.NewCommandBuilder(binary).
		HideBanner().
		NoStdinInteraction().
		RawVideoInput("yuv420p", s.Width, s.Height, float64(s.FrameRate)).
		Input("pipe:0").
		VideoCodec(EncoderName(s.Codec)).
		VideoPreset(s.Preset).
		VideoTune("zerolatency").
		VideoBitrate(strconv.Itoa(s.BitRate)).
		GOP(s.GOPFrames()).
		ForceKeyFrames(s.SegmentInterval).
		MpegtsArgs().
		FlushPackets().
		ApplyCustomOutputOptions(s.ExtraArgs).
		Output("pipe:1").
		Build()
}

// Start implements Adapter. It resolves the binary, checks that the encoder
// is compiled in and launches the process. The process outlives ctx and
// ends through Stop.
func (a *FFmpeg) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	if err := a.settings.Validate(); err != nil {
		return fmt.Errorf("encoder settings: %w", err)
	}

	info, err := ffmpeg.Inspect(ctx, a.settings.FFmpegPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}
	name := EncoderName(a.settings.Codec)
	if len(info.Encoders) > 0 && !info.HasEncoder(name) {
		return fmt.Errorf("%w: ffmpeg %s lacks %s", ErrEncoderUnavailable, info.Version, name)
	}
	if !info.AtLeast(4, 0) {
		// Older builds mishandle force_key_frames expressions.
		a.logger.Warn("old ffmpeg version", slog.String("ffmpeg_version", info.Version))
	}

	// ctx bounds startup only. The process runs until Stop closes its input,
	// so cancelling ctx cannot kill it with frames still queued.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := a.Command(info.Path)
	stdin, stdout, err := cmd.StartPiped(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.input = ffmpeg.NewCountingWriter(stdin, cmd.Monitor())
	a.cancel = cancel
	a.started = true
	a.out = make(chan Output)
	a.done = make(chan struct{})

	a.logger.Info("started encoder",
		slog.String("settings", a.settings.String()),
		slog.String("ffmpeg_version", info.Version),
		slog.String("command", cmd.String()),
	)

	go a.run(runCtx, ffmpeg.NewCountingReader(stdout, cmd.Monitor()))
	return nil
}

// Next implements Adapter.
func (a *FFmpeg) Next(timeout time.Duration) (Output, error) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return Output{}, ErrNotStarted
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	} else {
		select {
		case o, ok := <-out:
			return a.received(o, ok)
		default:
			return Output{Kind: KindWouldBlock}, nil
		}
	}

	select {
	case o, ok := <-out:
		return a.received(o, ok)
	case <-expired:
		return Output{Kind: KindWouldBlock}, nil
	}
}

func (a *FFmpeg) received(o Output, ok bool) (Output, error) {
	if ok {
		return o, nil
	}
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return Output{}, err
	}
	return EndOfStream(), nil
}

// Stop implements Adapter. Closing stdin makes FFmpeg flush its queue and
// exit; the process is killed if it has not finished within stopTimeout.
func (a *FFmpeg) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return ErrNotStarted
	}
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	stdin, cmd, done, cancel := a.stdin, a.cmd, a.done, a.cancel
	a.mu.Unlock()

	err := stdin.Close()

	go func() {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			a.logger.Warn("encoder did not exit after input closed, killing",
				slog.Duration("timeout", stopTimeout))
			_ = cmd.Kill()
			cancel()
		}
	}()

	if err != nil {
		return fmt.Errorf("closing encoder input: %w", err)
	}
	return nil
}

// Input implements Adapter.
func (a *FFmpeg) Input() io.Writer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.input == nil {
		return errWriter{ErrNotStarted}
	}
	return a.input
}

// Stats returns resource usage of the encoder process, or nil before Start.
func (a *FFmpeg) Stats() *ffmpeg.ProcessStats {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.ProcessStats()
}

// Done is closed once the encoder process has exited and all output has
// been handed over.
func (a *FFmpeg) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// run demuxes FFmpeg's output until EOF, then reaps the process.
func (a *FFmpeg) run(ctx context.Context, stdout io.Reader) {
	defer close(a.done)
	defer a.cancel()

	demuxErr := a.demux(ctx, stdout)
	if demuxErr != nil {
		// Unblock FFmpeg so Wait can return.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := a.cmd.Wait()

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()

	var err error
	switch {
	case demuxErr != nil && !errors.Is(demuxErr, context.Canceled):
		err = fmt.Errorf("demuxing encoder output: %w", demuxErr)
	case waitErr != nil && !stopped:
		err = fmt.Errorf("encoder exited: %w%s", waitErr, stderrTail(a.cmd))
	case !stopped:
		err = fmt.Errorf("encoder exited before stop%s", stderrTail(a.cmd))
	}

	if err == nil {
		select {
		case a.out <- EndOfStream():
		case <-ctx.Done():
		}
	} else {
		a.logger.Error("encoder failed", slog.String("error", err.Error()))
	}

	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.out)
}

func (a *FFmpeg) demux(ctx context.Context, r io.Reader) error {
	reader := &mpegts.Reader{R: r}
	if err := reader.Initialize(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("initializing MPEG-TS reader: %w", err)
	}

	var found bool
	for _, track := range reader.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264:
			reader.OnDataH264(track, func(pts, _ int64, au [][]byte) error {
				return a.onAccessUnit(ctx, media.CodecH264, pts, au)
			})
			found = true
		case *mpegts.CodecH265:
			reader.OnDataH265(track, func(pts, _ int64, au [][]byte) error {
				return a.onAccessUnit(ctx, media.CodecH265, pts, au)
			})
			found = true
		}
		if found {
			break
		}
	}
	if !found {
		return fmt.Errorf("no video track in encoder output")
	}

	reader.OnDecodeError(func(err error) {
		a.logger.Warn("MPEG-TS decode error", slog.String("error", err.Error()))
	})

	for {
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// onAccessUnit turns one demuxed access unit into outputs. The first access
// unit carrying complete parameter sets produces the output format; earlier
// ones cannot be decoded and are dropped.
func (a *FFmpeg) onAccessUnit(ctx context.Context, codec media.Codec, pts int64, au [][]byte) error {
	if !a.formatSent {
		a.params.Merge(media.ExtractParameterSets(codec, au))
		if !a.params.Complete(codec) || !media.IsRandomAccess(codec, au) {
			a.logger.Debug("dropping access unit before parameter sets", slog.Int64("pts", pts))
			return nil
		}
		format, err := media.NewOutputFormat(codec, a.params)
		if err != nil {
			return fmt.Errorf("building output format: %w", err)
		}
		if err := a.emit(ctx, FormatOutput(format)); err != nil {
			return err
		}
		a.formatSent = true
		a.origin = pts
	}

	payload, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return fmt.Errorf("marshaling access unit: %w", err)
	}

	// 90kHz ticks to microseconds.
	ts := media.Timestamp((pts - a.origin) * 100 / 9)

	var flags media.SampleFlags
	if media.IsRandomAccess(codec, au) {
		flags |= media.FlagKeyframe
		if a.crossesBoundary(ts) {
			flags |= media.FlagSegmentBoundary
		}
	}

	return a.emit(ctx, SampleOutput(media.Sample{Payload: payload, PTS: ts, Flags: flags}))
}

// crossesBoundary reports whether a keyframe at ts is the first one in a new
// SegmentInterval slot, which is where FFmpeg forced it.
func (a *FFmpeg) crossesBoundary(ts media.Timestamp) bool {
	interval := int64(a.settings.SegmentInterval / time.Microsecond)
	if interval <= 0 || ts < 0 {
		return false
	}
	slot := int64(ts) / interval
	if slot > a.lastBoundary {
		a.lastBoundary = slot
		return true
	}
	return false
}

func (a *FFmpeg) emit(ctx context.Context, o Output) error {
	select {
	case a.out <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stderrTail(cmd *ffmpeg.Command) string {
	lines := cmd.StderrTail(5)
	if len(lines) == 0 {
		return ""
	}
	return ": " + strings.Join(lines, "; ")
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }
