// Package emitter mirrors the receiver's connection state to an MQTT topic, retained,
// so dashboards see the current state as soon as they subscribe.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"castreceiver/internal/metrics"
	"castreceiver/internal/status"
	"castreceiver/pkg/models"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qos            = 1
)

// Config holds MQTT settings
type Config struct {
	Broker     string // host:port or URL, e.g. "localhost:1883"
	Topic      string // state topic, e.g. "castreceiver/living-room/state"
	ClientID   string
	DeviceName string
}

// Message is the JSON document published for each state
type Message struct {
	Device string                 `json:"device"`
	Online bool                   `json:"online"`
	State  models.ConnectionState `json:"connection"`
}

// Client is the part of mqtt.Client the emitter publishes through
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes connection states to an MQTT broker
type MQTTEmitter struct {
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
	published uint64
	errors    uint64

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg Config, m *metrics.Metrics) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:     cfg,
		metrics: m,
	}
}

// Connect establishes connection to the MQTT broker. The broker gets a retained
// offline message as the client's will.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	will, err := EncodeMessage(e.cfg.DeviceName, false, models.Disconnected())
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(e.cfg.Topic, will, qos, true)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("[mqtt] connected to %s", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[mqtt] connection to %s lost, reconnecting: %v", e.cfg.Broker, err)
	}

	client := mqtt.NewClient(opts)
	log.Printf("[mqtt] connecting to %s", e.cfg.Broker)

	timeout := connectTimeout
	if d, ok := ctx.Deadline(); ok && time.Until(d) < timeout {
		timeout = time.Until(d)
	}

	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Start publishes the current state and then every transition until Stop
func (e *MQTTEmitter) Start(publisher *status.Publisher) error {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return errors.New("mqtt emitter not connected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	states, unsubscribe := publisher.Subscribe(8)
	current := publisher.Current()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()

		e.publishState(client, current)
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-states:
				e.publishState(client, st)
			}
		}
	}()
	return nil
}

// Stop publishes the offline message and disconnects. Safe to call more than once.
func (e *MQTTEmitter) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.mu.Lock()
		client := e.client
		e.connected = false
		e.mu.Unlock()

		if client == nil {
			return
		}
		if client.IsConnected() {
			if err := e.Publish(client, false, models.Disconnected()); err != nil {
				log.Printf("[mqtt] failed to publish offline state: %v", err)
			}
			client.Disconnect(250) // 250ms grace period
		}
		log.Printf("[mqtt] disconnected")
	})
}

func (e *MQTTEmitter) publishState(client Client, st models.ConnectionState) {
	if err := e.Publish(client, true, st); err != nil {
		log.Printf("[mqtt] failed to publish %s: %v", st, err)
	}
}

// Publish sends one retained state message through client
func (e *MQTTEmitter) Publish(client Client, online bool, st models.ConnectionState) error {
	payload, err := EncodeMessage(e.cfg.DeviceName, online, st)
	if err == nil {
		err = publish(client, e.cfg.Topic, payload)
	}

	e.mu.Lock()
	if err != nil {
		e.errors++
	} else {
		e.published++
	}
	e.mu.Unlock()
	e.metrics.RecordStatusPublished(err)
	return err
}

// Stats returns how many states were published and how many failed
func (e *MQTTEmitter) Stats() (published, failed uint64, connected bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors, e.connected
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = connected
}

func publish(client Client, topic string, payload []byte) error {
	token := client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// EncodeMessage builds the JSON payload for a state
func EncodeMessage(device string, online bool, st models.ConnectionState) ([]byte, error) {
	data, err := json.Marshal(Message{Device: device, Online: online, State: st})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// brokerURL adds the tcp scheme to a bare host:port
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
