package encoder

import (
	"fmt"
	"math"
	"time"

	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/media"
)

// Settings configures an encoder.
type Settings struct {
	Codec            media.Codec
	Width            int
	Height           int
	FrameRate        int
	BitRate          int // bits per second
	KeyframeInterval time.Duration
	// SegmentInterval, when set, forces keyframes on this grid and flags
	// them as segment boundaries.
	SegmentInterval time.Duration
	Preset          string
	ExtraArgs       string
	FFmpegPath      string
}

// SettingsFromConfig derives encoder settings from configuration.
func SettingsFromConfig(cfg config.EncoderConfig) Settings {
	return Settings{
		Codec:            media.ParseCodec(cfg.Codec),
		Width:            cfg.Width,
		Height:           cfg.Height,
		FrameRate:        cfg.FrameRate,
		BitRate:          SelectBitRate(cfg),
		KeyframeInterval: cfg.KeyframeInterval,
		Preset:           cfg.Preset,
		ExtraArgs:        cfg.ExtraArgs,
		FFmpegPath:       cfg.FFmpegPath,
	}
}

// FrameSize returns the size in bytes of one yuv420p frame.
func (s Settings) FrameSize() int {
	return s.Width * s.Height * 3 / 2
}

// FrameDuration returns the nominal duration of one frame.
func (s Settings) FrameDuration() time.Duration {
	if s.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(s.FrameRate)
}

// GOPFrames returns the keyframe interval in frames, at least 1.
func (s Settings) GOPFrames() int {
	n := int(math.Round(s.KeyframeInterval.Seconds() * float64(s.FrameRate)))
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.Width < 2 || s.Height < 2 || s.Width%2 != 0 || s.Height%2 != 0 {
		return fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}
	if s.FrameRate < 1 {
		return fmt.Errorf("invalid frame rate %d", s.FrameRate)
	}
	if s.BitRate < 1 {
		return fmt.Errorf("invalid bit rate %d", s.BitRate)
	}
	return nil
}

func (s Settings) String() string {
	return fmt.Sprintf("%dx%d @ %d FPS %s %.1f Mbps", s.Width, s.Height, s.FrameRate, s.Codec, float64(s.BitRate)/1_000_000)
}

// Reference bit rates at 30 FPS, by picture height.
var recommendedBitRates = []struct {
	maxPixels int
	bitRate   float64
}{
	{640 * 480, 2_000_000},
	{1280 * 720, 5_000_000},
	{1920 * 1080, 10_000_000},
	{2560 * 1440, 16_000_000},
	{3840 * 2160, 30_000_000},
}

const maxRecommendedBitRate = 100_000_000

// RecommendedBitRate returns a bit rate for the resolution, frame rate and
// codec. H.265 needs roughly 80% of the H.264 rate for similar quality.
func RecommendedBitRate(width, height, frameRate int, codec media.Codec) int {
	pixels := width * height
	rate := float64(maxRecommendedBitRate)
	for _, r := range recommendedBitRates {
		if pixels <= r.maxPixels {
			rate = r.bitRate
			break
		}
	}
	if frameRate > 0 {
		rate *= float64(frameRate) / 30
	}
	if codec == media.CodecH265 {
		rate *= 0.8
	}
	return int(rate)
}

// SelectBitRate picks the encoder bit rate: an explicit bit_rate wins,
// then the Mbps override, then the recommendation. The multiplier applies
// to whichever was chosen.
func SelectBitRate(cfg config.EncoderConfig) int {
	var rate float64
	switch {
	case cfg.BitRate > 0:
		rate = float64(cfg.BitRate)
	case cfg.BitRateOverrideMbps > 0:
		rate = cfg.BitRateOverrideMbps * 1_000_000
	default:
		rate = float64(RecommendedBitRate(cfg.Width, cfg.Height, cfg.FrameRate, media.ParseCodec(cfg.Codec)))
	}
	if cfg.BitRateMultiplier > 0 {
		rate *= cfg.BitRateMultiplier
	}
	return int(rate)
}
