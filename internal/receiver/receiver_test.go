package receiver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/config"
	"castreceiver/internal/decoder"
	"castreceiver/internal/discovery"
	"castreceiver/internal/protocol"
	"castreceiver/pkg/models"
)

// countingDecoder renders everything it is given
type countingDecoder struct {
	mu        sync.Mutex
	inits     []models.VideoParams
	submitted int
	pending   int
}

func (d *countingDecoder) Initialize(params models.VideoParams, surface decoder.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits = append(d.inits, params)
	return nil
}

func (d *countingDecoder) AcquireInput(time.Duration) bool { return true }

func (d *countingDecoder) SubmitInput(payload []byte, timestamp int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(payload) > 0 {
		d.submitted++
		d.pending++
	}
	return nil
}

func (d *countingDecoder) PollOutput(timeout time.Duration) (decoder.OutputStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending > 0 {
		return decoder.OutputReady, nil
	}
	time.Sleep(time.Millisecond)
	return decoder.OutputNotReady, nil
}

func (d *countingDecoder) RenderOutput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	return nil
}

func (d *countingDecoder) Release() error { return nil }

func (d *countingDecoder) snapshot() (inits []models.VideoParams, submitted int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.VideoParams(nil), d.inits...), d.submitted
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DeviceName:            "Test Receiver",
		DiscoveryAddr:         "127.0.0.1:0",
		CastAddr:              "127.0.0.1:0",
		HTTPAddr:              "127.0.0.1:0",
		QueueCapacity:         5,
		QueuePopTimeout:       5 * time.Millisecond,
		DecoderInputTimeout:   time.Millisecond,
		DecoderOutputTimeout:  time.Millisecond,
		CastIdleTimeout:       5 * time.Second,
		DefaultWidth:          1920,
		DefaultHeight:         1080,
		DefaultFPS:            30,
		RecordEnabled:         true,
		RecordSegmentDuration: time.Second,
		RecordMaxSegments:     3,
		StorageType:           "local",
		StorageDir:            t.TempDir(),
	}
}

func newReceiver(t *testing.T, cfg *config.Config) (*Receiver, *countingDecoder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	dec := &countingDecoder{}

	r, err := New(context.Background(), cfg, Options{
		Registerer: reg,
		Gatherer:   reg,
		Decoder:    dec,
		Surface:    decoder.NamedSurface("test"),
	})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r, dec
}

func TestReceiverEndToEnd(t *testing.T) {
	r, dec := newReceiver(t, testConfig(t))
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	found, err := discovery.Probe(context.Background(), r.DiscoveryAddr(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Test Receiver", found[0].Name)

	conn, err := net.Dial("tcp", r.CastAddr())
	require.NoError(t, err)
	defer conn.Close()

	hs := protocol.EncodeHandshake(models.HandshakeInfo{ProtocolVersion: 1, Width: 1280, Height: 720, FPS: 30})
	require.NoError(t, protocol.WriteMessage(conn, hs))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.HandshakeAck, ack)

	require.NoError(t, protocol.WriteMessage(conn, protocol.EncodeVideoFrame(0, []byte{0, 0, 0, 1, 0x65, 0x88})))
	require.NoError(t, protocol.WriteMessage(conn, protocol.EncodeVideoFrame(33, []byte{0, 0, 0, 1, 0x41, 0x9A})))

	require.Eventually(t, func() bool {
		_, submitted := dec.snapshot()
		return submitted == 2
	}, 2*time.Second, 5*time.Millisecond)

	inits, _ := dec.snapshot()
	require.NotEmpty(t, inits)
	assert.Equal(t, models.VideoParams{Width: 1280, Height: 720, FPS: 30}, inits[len(inits)-1])

	st := r.Status()
	assert.Equal(t, "Test Receiver", st.DeviceName)
	assert.Equal(t, models.ConnectionConnected, st.Connection.Kind)
	assert.True(t, st.Recording)
	assert.Equal(t, "running", st.Decoder.State)

	resp, err := http.Get("http://" + r.http.Addr() + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body models.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, models.ConnectionConnected, body.Connection.Kind)

	conn.Close()
	require.Eventually(t, func() bool {
		return r.Publisher().Current().Kind == models.ConnectionDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.Equal(t, "released", r.Status().Decoder.State)
}

func TestReceiverRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueCapacity = 0

	_, err := New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "QUEUE_CAPACITY")
}

func TestReceiverStartFailureStopsStartedComponents(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.HTTPAddr = ""
	cfg.RecordEnabled = false
	cfg.CastAddr = busy.Addr().String()

	r, dec := newReceiver(t, cfg)
	err = r.Start(context.Background())

	assert.ErrorContains(t, err, "failed to start cast server")
	assert.Equal(t, "released", r.Status().Decoder.State)
	assert.False(t, r.Status().Recording)
	inits, _ := dec.snapshot()
	assert.Len(t, inits, 1)
}
