package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordDiscovery(true)
		m.RecordDiscoveryError()
		m.RecordSessionStart("tcp")
		m.RecordSessionEnd("tcp", "disconnect", 1.5)
		m.RecordHandshakeRejected()
		m.RecordMessage("video", 100)
		m.RecordFrame(true, 100)
		m.RecordFrameDropped("backpressure", 1)
		m.SetQueueDepth(3)
		m.RecordDecoderInit()
		m.RecordDecoderRelease()
		m.RecordDecoderFailure("submit")
		m.RecordDecoderInput(true)
		m.RecordFrameRendered()
		m.RecordFormatChange()
		m.RecordSegment(1024)
		m.RecordSegmentDeleted()
		m.RecordRecorderError()
		m.RecordHTTPRequest("GET", "/api/ping", 200, 0.01)
		m.RecordStatusPublished(nil)
	})
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			name := mf.GetName()
			for _, label := range metric.GetLabel() {
				name += "|" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[name] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[name] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDiscovery(true)
	m.RecordDiscovery(false)
	m.RecordSessionStart("tcp")
	m.RecordSessionStart("rtmp")
	m.RecordSessionEnd("tcp", "disconnect", 2)
	m.RecordFrame(true, 512)
	m.RecordFrame(false, 64)
	m.RecordFrameDropped("evicted", 0)
	m.RecordFrameDropped("evicted", 2)
	m.SetQueueDepth(4)
	m.RecordHTTPRequest("GET", "/api/v1/status", 404, 0.001)
	m.RecordStatusPublished(errors.New("timeout"))

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["castreceiver_discovery_datagrams_total|responded"])
	assert.Equal(t, 1.0, values["castreceiver_discovery_datagrams_total|ignored"])
	assert.Equal(t, 1.0, values["castreceiver_active_sessions"])
	assert.Equal(t, 1.0, values["castreceiver_frames_received_total|key"])
	assert.Equal(t, 2.0, values["castreceiver_frames_dropped_total|evicted"])
	assert.Equal(t, 4.0, values["castreceiver_frame_queue_depth"])
	assert.Equal(t, 1.0, values["castreceiver_http_requests_total|GET|/api/v1/status|4xx"])
	assert.Equal(t, 1.0, values["castreceiver_status_errors_total"])
	assert.Zero(t, values["castreceiver_status_published_total"])
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}
