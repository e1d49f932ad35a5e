// Package config provides configuration management for chunkrec using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultChunkDuration    = 5 * time.Second
	defaultFragmentDuration = time.Second
	defaultTimescale        = 90000
	defaultPollInterval     = 20 * time.Millisecond
	defaultDequeueTimeout   = 10 * time.Millisecond
	defaultEventBuffer      = 64
	defaultMinFreeSpace     = 256 * 1024 * 1024 // 256MiB
	defaultWidth            = 1280
	defaultHeight           = 720
	defaultFrameRate        = 30
	defaultKeyframeInterval = time.Second
	defaultUploadWorkers    = 2
	defaultRetryAttempts    = 3
	defaultRetryDelay       = 2 * time.Second
	defaultMetricsListen    = ":9464"
)

// Segmentation strategies.
const (
	SegmentationKeyframe = "keyframe"
	SegmentationReported = "reported"
)

// Fragment modes.
const (
	FragmentModeStandalone = "standalone"
	FragmentModeShared     = "shared"
)

// I/O error policies.
const (
	IOErrorsStrict     = "strict"
	IOErrorsBestEffort = "best_effort"
)

// Config holds all configuration for the application.
type Config struct {
	Recording RecordingConfig `mapstructure:"recording"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Playlist  PlaylistConfig  `mapstructure:"playlist"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RecordingConfig controls segmentation and chunk output.
type RecordingConfig struct {
	OutputDir        string        `mapstructure:"output_dir"`
	Extension        string        `mapstructure:"extension"`
	IndexPadding     int           `mapstructure:"index_padding"`  // 0 = "0.mp4", 5 = "00000.mp4"
	ChunkDuration    time.Duration `mapstructure:"chunk_duration"` // target, rotation happens on the next keyframe
	Segmentation     string        `mapstructure:"segmentation"`   // keyframe, reported
	FragmentMode     string        `mapstructure:"fragment_mode"`  // standalone, shared
	FragmentDuration time.Duration `mapstructure:"fragment_duration"`
	Timescale        uint32        `mapstructure:"timescale"`
	IOErrors         string        `mapstructure:"io_errors"` // strict, best_effort
	RotateOnPause    bool          `mapstructure:"rotate_on_pause"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DequeueTimeout   time.Duration `mapstructure:"dequeue_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	// MinFreeSpace is the free space required in OutputDir before a recording starts.
	// Supports human-readable values like "256MiB", "1GB", or raw byte counts.
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
	Orientation  int      `mapstructure:"orientation"` // degrees: 0, 90, 180, 270
}

// EncoderConfig holds video encoder settings.
type EncoderConfig struct {
	Codec               string        `mapstructure:"codec"` // h264, h265
	Width               int           `mapstructure:"width"`
	Height              int           `mapstructure:"height"`
	FrameRate           int           `mapstructure:"frame_rate"`
	BitRate             int           `mapstructure:"bit_rate"` // bits per second, 0 = recommended
	BitRateOverrideMbps float64       `mapstructure:"bit_rate_override_mbps"`
	BitRateMultiplier   float64       `mapstructure:"bit_rate_multiplier"`
	KeyframeInterval    time.Duration `mapstructure:"keyframe_interval"`
	FFmpegPath          string        `mapstructure:"ffmpeg_path"` // empty = resolve from PATH
	Preset              string        `mapstructure:"preset"`
	ExtraArgs           string        `mapstructure:"extra_args"` // appended to the ffmpeg output options
}

// CatalogConfig holds the chunk catalog database configuration.
type CatalogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// UploadConfig holds S3-compatible upload configuration.
type UploadConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" masq:"secret"`
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	Workers         int           `mapstructure:"workers"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// PlaylistConfig controls the HLS playlist written next to the chunks.
type PlaylistConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CHUNKREC_ and use underscores for nesting.
// Example: CHUNKREC_RECORDING_CHUNK_DURATION=10s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chunkrec")
		v.AddConfigPath("$HOME/.chunkrec")
	}

	v.SetEnvPrefix("CHUNKREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Recording defaults
	v.SetDefault("recording.output_dir", "./recordings")
	v.SetDefault("recording.extension", "mp4")
	v.SetDefault("recording.index_padding", 0)
	v.SetDefault("recording.chunk_duration", defaultChunkDuration)
	v.SetDefault("recording.segmentation", SegmentationKeyframe)
	v.SetDefault("recording.fragment_mode", FragmentModeStandalone)
	v.SetDefault("recording.fragment_duration", defaultFragmentDuration)
	v.SetDefault("recording.timescale", defaultTimescale)
	v.SetDefault("recording.io_errors", IOErrorsStrict)
	v.SetDefault("recording.rotate_on_pause", false)
	v.SetDefault("recording.poll_interval", defaultPollInterval)
	v.SetDefault("recording.dequeue_timeout", defaultDequeueTimeout)
	v.SetDefault("recording.event_buffer", defaultEventBuffer)
	v.SetDefault("recording.min_free_space", defaultMinFreeSpace)
	v.SetDefault("recording.orientation", 0)

	// Encoder defaults
	v.SetDefault("encoder.codec", "h264")
	v.SetDefault("encoder.width", defaultWidth)
	v.SetDefault("encoder.height", defaultHeight)
	v.SetDefault("encoder.frame_rate", defaultFrameRate)
	v.SetDefault("encoder.bit_rate", 0)
	v.SetDefault("encoder.bit_rate_override_mbps", 0)
	v.SetDefault("encoder.bit_rate_multiplier", 1.0)
	v.SetDefault("encoder.keyframe_interval", defaultKeyframeInterval)
	v.SetDefault("encoder.ffmpeg_path", "")
	v.SetDefault("encoder.preset", "veryfast")
	v.SetDefault("encoder.extra_args", "")

	// Catalog defaults
	v.SetDefault("catalog.enabled", false)
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.dsn", "chunkrec.db")
	v.SetDefault("catalog.log_level", "warn")

	// Upload defaults
	v.SetDefault("upload.enabled", false)
	v.SetDefault("upload.region", "us-east-1")
	v.SetDefault("upload.use_ssl", true)
	v.SetDefault("upload.workers", defaultUploadWorkers)
	v.SetDefault("upload.retry_attempts", defaultRetryAttempts)
	v.SetDefault("upload.retry_delay", defaultRetryDelay)

	// Playlist defaults
	v.SetDefault("playlist.enabled", false)
	v.SetDefault("playlist.name", "index.m3u8")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", defaultMetricsListen)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Recording.Validate(); err != nil {
		return err
	}
	if err := c.Encoder.Validate(); err != nil {
		return err
	}

	if c.Catalog.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Catalog.Driver] {
			return fmt.Errorf("catalog.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required")
		}
	}

	if c.Upload.Enabled {
		if c.Upload.Endpoint == "" {
			return fmt.Errorf("upload.endpoint is required")
		}
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket is required")
		}
		if c.Upload.Workers < 1 {
			return fmt.Errorf("upload.workers must be at least 1")
		}
		if c.Upload.RetryAttempts < 0 {
			return fmt.Errorf("upload.retry_attempts must not be negative")
		}
	}

	if c.Playlist.Enabled && c.Playlist.Name == "" {
		return fmt.Errorf("playlist.name is required")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Validate checks the recording section.
func (c *RecordingConfig) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("recording.output_dir is required")
	}
	if c.Extension == "" || strings.ContainsAny(c.Extension, `/\.`) {
		return fmt.Errorf("recording.extension must be a bare extension such as mp4")
	}
	if c.IndexPadding < 0 {
		return fmt.Errorf("recording.index_padding must not be negative")
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("recording.chunk_duration must be positive")
	}
	if c.Segmentation != SegmentationKeyframe && c.Segmentation != SegmentationReported {
		return fmt.Errorf("recording.segmentation must be one of: keyframe, reported")
	}
	if c.FragmentMode != FragmentModeStandalone && c.FragmentMode != FragmentModeShared {
		return fmt.Errorf("recording.fragment_mode must be one of: standalone, shared")
	}
	if c.FragmentDuration <= 0 {
		return fmt.Errorf("recording.fragment_duration must be positive")
	}
	if c.Timescale == 0 {
		return fmt.Errorf("recording.timescale must be positive")
	}
	if c.IOErrors != IOErrorsStrict && c.IOErrors != IOErrorsBestEffort {
		return fmt.Errorf("recording.io_errors must be one of: strict, best_effort")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("recording.poll_interval must be positive")
	}
	if c.DequeueTimeout < 0 {
		return fmt.Errorf("recording.dequeue_timeout must not be negative")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("recording.event_buffer must be at least 1")
	}
	if c.MinFreeSpace < 0 {
		return fmt.Errorf("recording.min_free_space must not be negative")
	}
	switch c.Orientation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("recording.orientation must be one of: 0, 90, 180, 270")
	}
	return nil
}

// Validate checks the encoder section.
func (c *EncoderConfig) Validate() error {
	if c.Codec != "h264" && c.Codec != "h265" {
		return fmt.Errorf("encoder.codec must be one of: h264, h265")
	}
	if c.Width < 2 || c.Height < 2 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("encoder.width and encoder.height must be even and at least 2")
	}
	if c.FrameRate < 1 {
		return fmt.Errorf("encoder.frame_rate must be at least 1")
	}
	if c.BitRate < 0 || c.BitRateOverrideMbps < 0 {
		return fmt.Errorf("encoder bit rates must not be negative")
	}
	if c.BitRateMultiplier <= 0 {
		return fmt.Errorf("encoder.bit_rate_multiplier must be positive")
	}
	if c.KeyframeInterval <= 0 {
		return fmt.Errorf("encoder.keyframe_interval must be positive")
	}
	return nil
}

// ChunkFileName returns the file name of the chunk with the given index.
func (c *RecordingConfig) ChunkFileName(index uint64) string {
	if c.IndexPadding > 0 {
		return fmt.Sprintf("%0*d.%s", c.IndexPadding, index, c.Extension)
	}
	return fmt.Sprintf("%d.%s", index, c.Extension)
}

// InitFileName returns the file name of the shared init segment.
func (c *RecordingConfig) InitFileName() string {
	return "init." + c.Extension
}

// StrictIO reports whether write failures end the recording.
func (c *RecordingConfig) StrictIO() bool {
	return c.IOErrors != IOErrorsBestEffort
}
