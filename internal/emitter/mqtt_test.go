package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/internal/status"
	"castreceiver/pkg/models"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu    sync.Mutex
	msgs  []published
	token *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func decode(t *testing.T, payload []byte) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestEncodeMessage(t *testing.T) {
	data, err := EncodeMessage("Living Room", true, models.Connected("phone", 1280, 720, 30))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Living Room", raw["device"])
	assert.Equal(t, true, raw["online"])

	conn := raw["connection"].(map[string]interface{})
	assert.Equal(t, "connected", conn["state"])
	assert.Equal(t, "phone", conn["deviceName"])
	assert.EqualValues(t, 1280, conn["width"])
}

func TestPublishSendsRetainedState(t *testing.T) {
	e := NewMQTTEmitter(Config{Topic: "castreceiver/den/state", DeviceName: "Den"}, nil)
	client := &fakeClient{}

	require.NoError(t, e.Publish(client, true, models.Error("no data from sender")))

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "castreceiver/den/state", msg.topic)
	assert.EqualValues(t, qos, msg.qos)
	assert.True(t, msg.retained)

	decoded := decode(t, msg.payload)
	assert.Equal(t, models.ConnectionError, decoded.State.Kind)
	assert.Equal(t, "no data from sender", decoded.State.Message)

	sent, failed, _ := e.Stats()
	assert.EqualValues(t, 1, sent)
	assert.Zero(t, failed)
}

func TestPublishFailures(t *testing.T) {
	tests := []struct {
		name  string
		token *fakeToken
		want  string
	}{
		{name: "timeout", token: &fakeToken{timeout: true}, want: "publish timeout"},
		{name: "broker error", token: &fakeToken{err: errors.New("not authorized")}, want: "not authorized"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewMQTTEmitter(Config{Topic: "t"}, nil)
			err := e.Publish(&fakeClient{token: tc.token}, true, models.Waiting())

			assert.ErrorContains(t, err, tc.want)
			sent, failed, _ := e.Stats()
			assert.Zero(t, sent)
			assert.EqualValues(t, 1, failed)
		})
	}
}

func TestStartRequiresConnect(t *testing.T) {
	e := NewMQTTEmitter(Config{Topic: "t"}, nil)

	assert.Error(t, e.Start(status.NewPublisher()))
	e.Stop()
	e.Stop()
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
	assert.Equal(t, "ws://broker/mqtt", brokerURL("ws://broker/mqtt"))
}
