package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ChunkFinalized(t *testing.T) {
	m := NewMetrics()

	m.ChunkFinalized(1000, 6*time.Second)
	m.ChunkFinalized(500, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunksFinalized))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.chunkBytes))
}

func TestMetrics_Labels(t *testing.T) {
	m := NewMetrics()

	m.RecordingError("io")
	m.RecordingError("io")
	m.RecordingError("protocol")
	m.Upload("ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordingErrors.WithLabelValues("io")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordingErrors.WithLabelValues("protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("ok")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ChunkFinalized(1, time.Second)
		m.SampleWritten()
		m.SampleDropped()
		m.RecordingError("adapter")
		m.Upload("failed")
		m.SetRecordingState(1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_HTTPHandler(t *testing.T) {
	m := NewMetrics()
	m.SampleWritten()
	m.SetRecordingState(1)

	srv := httptest.NewServer(m.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chunkrec_samples_written_total 1")
	assert.Contains(t, string(body), "chunkrec_recording_state 1")
}
