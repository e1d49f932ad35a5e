package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrec/internal/catalog"
	"github.com/jmylchreest/chunkrec/internal/config"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := `
recording:
  output_dir: ` + filepath.Join(dir, "out") + `
  chunk_duration: 4s
  fragment_mode: shared
  min_free_space: 1KiB
encoder:
  keyframe_interval: 2s
  frame_rate: 25
catalog:
  enabled: true
  driver: sqlite
  dsn: ` + filepath.Join(dir, "catalog.db") + `
  log_level: silent
playlist:
  enabled: true
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	rootCmd.SetArgs([]string{"simulate", "--config", path, "--duration", "10s"})
	require.NoError(t, rootCmd.Execute())

	recDir := filepath.Join(dir, "out")

	for _, name := range []string{"init.mp4", "0.mp4", "1.mp4", "2.mp4", "index.m3u8"} {
		assert.FileExists(t, filepath.Join(recDir, name))
	}
	playlist, err := os.ReadFile(filepath.Join(recDir, "index.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), `#EXT-X-MAP:URI="init.mp4"`)
	assert.Contains(t, string(playlist), "#EXT-X-ENDLIST")

	c, err := catalog.Open(config.CatalogConfig{Driver: "sqlite", DSN: filepath.Join(dir, "catalog.db"), LogLevel: "silent"}, nil)
	require.NoError(t, err)
	defer c.Close()
	pending, err := c.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 4, "init plus three chunks, none uploaded")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"version", "--json"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), `"version"`)
}

func TestApplyFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addRecordingFlags(fs)
	fs.String("codec", "", "")
	require.NoError(t, fs.Parse([]string{"--chunk-duration", "10s", "--codec", "h265"}))

	c := defaultConfig(t)
	c.Recording.OutputDir = "/var/recordings"
	require.NoError(t, applyFlags(fs, c))
	assert.Equal(t, 10*time.Second, c.Recording.ChunkDuration)
	assert.Equal(t, "h265", c.Encoder.Codec)
	assert.Equal(t, "/var/recordings", c.Recording.OutputDir, "unset flags keep config values")

	require.NoError(t, fs.Set("segmentation", "bogus"))
	assert.Error(t, applyFlags(fs, c))
}

func TestToMap(t *testing.T) {
	c := defaultConfig(t)
	c.Upload.SecretAccessKey = "hunter2"

	m := toMap(c)
	rec := m["recording"].(map[string]any)
	assert.Equal(t, "5s", rec["chunk_duration"])
	assert.Equal(t, "256 MiB", rec["min_free_space"])
	up := m["upload"].(map[string]any)
	assert.Equal(t, "[REDACTED]", up["secret_access_key"])
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	c, err := config.Load(path)
	require.NoError(t, err)
	return c
}
