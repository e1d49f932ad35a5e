package encoder

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrec/internal/media"
	"github.com/jmylchreest/chunkrec/internal/testutil"
)

func testSettings() Settings {
	return Settings{
		Codec:            media.CodecH264,
		Width:            320,
		Height:           240,
		FrameRate:        30,
		BitRate:          500_000,
		KeyframeInterval: time.Second,
		SegmentInterval:  time.Second,
		Preset:           "ultrafast",
	}
}

func TestFFmpeg_Command(t *testing.T) {
	s := testSettings()
	s.ExtraArgs = "-profile:v baseline"
	cmd := NewFFmpeg(s, nil).Command("/usr/bin/ffmpeg")

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-f rawvideo -pix_fmt yuv420p -s 320x240 -r 30 -i pipe:0")
	assert.Contains(t, args, "-c:v libx264 -preset ultrafast -tune zerolatency -b:v 500000")
	assert.Contains(t, args, "-g 30 -bf 0")
	assert.Contains(t, args, "-force_key_frames expr:gte(t,n_forced*1)")
	assert.Contains(t, args, "-profile:v baseline pipe:1")
}

func TestFFmpeg_CommandWithoutSegmentInterval(t *testing.T) {
	s := testSettings()
	s.SegmentInterval = 0
	s.Codec = media.CodecH265
	cmd := NewFFmpeg(s, nil).Command("ffmpeg")

	args := strings.Join(cmd.Args, " ")
	assert.NotContains(t, args, "-force_key_frames")
	assert.Contains(t, args, "-c:v libx265")
}

func TestFFmpeg_NotStarted(t *testing.T) {
	a := NewFFmpeg(testSettings(), nil)

	_, err := a.Next(0)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, a.Stop(), ErrNotStarted)
	_, err = a.Input().Write([]byte{0})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, a.Stats())
}

func TestFFmpeg_InvalidSettings(t *testing.T) {
	s := testSettings()
	s.Width = 0
	err := NewFFmpeg(s, nil).Start(context.Background())
	assert.Error(t, err)
}

func TestFFmpeg_OnAccessUnit(t *testing.T) {
	a := NewFFmpeg(testSettings(), nil)
	a.out = make(chan Output, 16)
	ctx := context.Background()

	gen := testutil.NewSampleDataGeneratorWithSeed(3)
	idr := media.SplitNALUs(gen.KeyframeAU(32))[0]
	nonIDR := media.SplitNALUs(gen.DeltaAU(16))[0]
	const origin = 126_000

	// Nothing decodable before the first access unit with parameter sets.
	require.NoError(t, a.onAccessUnit(ctx, media.CodecH264, origin-3000, [][]byte{nonIDR}))
	assert.Empty(t, a.out)

	require.NoError(t, a.onAccessUnit(ctx, media.CodecH264, origin, [][]byte{testutil.H264SPS, testutil.H264PPS, idr}))
	require.NoError(t, a.onAccessUnit(ctx, media.CodecH264, origin+3000, [][]byte{nonIDR}))
	require.NoError(t, a.onAccessUnit(ctx, media.CodecH264, origin+90_000, [][]byte{idr}))
	require.NoError(t, a.onAccessUnit(ctx, media.CodecH264, origin+93_000, [][]byte{idr}))
	close(a.out)

	var outs []Output
	for o := range a.out {
		outs = append(outs, o)
	}
	require.Len(t, outs, 5)

	assert.Equal(t, KindFormatChanged, outs[0].Kind)
	assert.Equal(t, 640, outs[0].Format.Width)

	assert.Equal(t, media.Timestamp(0), outs[1].Sample.PTS)
	assert.True(t, outs[1].Sample.IsKeyframe())
	assert.True(t, outs[1].Sample.IsBoundary())

	assert.Equal(t, media.Timestamp(33_333), outs[2].Sample.PTS)
	assert.False(t, outs[2].Sample.IsKeyframe())

	assert.Equal(t, media.Timestamp(1_000_000), outs[3].Sample.PTS)
	assert.True(t, outs[3].Sample.IsBoundary())

	assert.True(t, outs[4].Sample.IsKeyframe())
	assert.False(t, outs[4].Sample.IsBoundary(), "second keyframe in the same slot")

	nalus := media.SplitNALUs(outs[1].Sample.Payload)
	assert.Len(t, nalus, 3, "payload is Annex B")
}

func TestFFmpeg_EncodesFrames(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	s := testSettings()
	a := NewFFmpeg(s, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Skipf("encoder unavailable: %v", err)
	}

	frame := make([]byte, s.FrameSize())
	go func() {
		for i := 0; i < 45; i++ {
			if _, err := a.Input().Write(frame); err != nil {
				return
			}
		}
		_ = a.Stop()
	}()

	var kinds []OutputKind
	var keyframes, boundaries int
	for {
		out, err := a.Next(100 * time.Millisecond)
		require.NoError(t, err)
		if out.Kind == KindWouldBlock {
			continue
		}
		kinds = append(kinds, out.Kind)
		if out.Kind == KindSample {
			if out.Sample.IsKeyframe() {
				keyframes++
			}
			if out.Sample.IsBoundary() {
				boundaries++
			}
		}
		if out.Kind == KindEndOfStream {
			break
		}
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, KindFormatChanged, kinds[0])
	assert.Equal(t, 47, len(kinds), "format, 45 samples, end of stream")
	assert.GreaterOrEqual(t, keyframes, 2)
	assert.Equal(t, 2, boundaries)
}

// passthroughFFmpeg writes a stand-in ffmpeg that answers the version and
// encoder listings and otherwise copies stdin to stdout.
func passthroughFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	script := `#!/bin/sh
if [ "$1" = "-version" ]; then
	echo "ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers"
	exit 0
fi
if [ "$2" = "-encoders" ]; then
	printf 'Encoders:\n ------\n V....D libx264 H.264\n V....D libx265 H.265\n'
	exit 0
fi
exec cat
`
	bin := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

// encodedStream muxes three H.264 access units, 1s apart, into MPEG-TS.
func encodedStream(t *testing.T) []byte {
	t.Helper()
	gen := testutil.NewSampleDataGeneratorWithSeed(9)
	idr := media.SplitNALUs(gen.KeyframeAU(64))[0]
	nonIDR := media.SplitNALUs(gen.DeltaAU(32))[0]

	var buf bytes.Buffer
	track := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())
	require.NoError(t, w.WriteH264(track, 90_000, 90_000, [][]byte{testutil.H264SPS, testutil.H264PPS, idr}))
	require.NoError(t, w.WriteH264(track, 180_000, 180_000, [][]byte{nonIDR}))
	require.NoError(t, w.WriteH264(track, 270_000, 270_000, [][]byte{testutil.H264SPS, testutil.H264PPS, idr}))
	return buf.Bytes()
}

func TestFFmpeg_OutlivesStartContext(t *testing.T) {
	s := testSettings()
	s.FFmpegPath = passthroughFFmpeg(t)
	a := NewFFmpeg(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	_, err := a.Input().Write(encodedStream(t))
	require.NoError(t, err)

	// A signal or an elapsed --duration cancels ctx before Stop runs.
	cancel()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Stop())

	var samples int
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		out, err := a.Next(100 * time.Millisecond)
		require.NoError(t, err, "queued output must survive the cancelled context")
		if out.Kind == KindSample {
			samples++
		}
		if out.Kind == KindEndOfStream {
			break
		}
	}
	assert.GreaterOrEqual(t, samples, 2)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("encoder did not exit after stop")
	}
}
