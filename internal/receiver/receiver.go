// Package receiver assembles the cast receiver from its components and starts and
// stops them as one unit.
package receiver

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"castreceiver/config"
	"castreceiver/httpServer"
	"castreceiver/internal/castserver"
	"castreceiver/internal/decoder"
	"castreceiver/internal/discovery"
	"castreceiver/internal/emitter"
	"castreceiver/internal/framequeue"
	"castreceiver/internal/metrics"
	"castreceiver/internal/recorder"
	"castreceiver/internal/rtmpingest"
	"castreceiver/internal/status"
	"castreceiver/internal/storage"
	"castreceiver/pkg/models"
)

const shutdownTimeout = 5 * time.Second

type component struct {
	name  string
	start func() error
	stop  func()
}

// Options supplies the host-side pieces of the receiver
type Options struct {
	// Registerer and Gatherer default to the global Prometheus registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Decoder defaults to a PipeDecoder running cfg.DecoderCommand
	Decoder decoder.Decoder
	// Stdout receives the stream when DecoderCommand is "-"
	Stdout io.Writer
	// Surface is supplied to the decoder at start, if set
	Surface decoder.Surface
}

// Receiver is a running cast receiver
type Receiver struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	publisher *status.Publisher
	slot      *status.Slot
	queue     *framequeue.Queue

	discovery    *discovery.Responder
	cast         *castserver.Server
	orchestrator *decoder.Orchestrator
	rtmp         *rtmpingest.Server
	recorder     *recorder.Recorder
	http         *httpServer.Server
	emitter      *emitter.MQTTEmitter
	surface      decoder.Surface

	mu        sync.Mutex
	started   bool
	startedAt atomic.Int64 // unix nanoseconds
	stops     []func()
	stopOnce  sync.Once
}

// New wires the receiver's components. Nothing is bound until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	r := &Receiver{
		cfg:       cfg,
		metrics:   metrics.New(opts.Registerer),
		publisher: status.NewPublisher(),
		slot:      &status.Slot{},
		queue:     framequeue.New(cfg.QueueCapacity),
		surface:   opts.Surface,
	}

	defaults := models.VideoParams{
		Width:  int32(cfg.DefaultWidth),
		Height: int32(cfg.DefaultHeight),
		FPS:    int32(cfg.DefaultFPS),
	}

	// A nil *recorder.Recorder must not reach the interfaces below
	var castRecorder castserver.Recorder
	var rtmpRecorder rtmpingest.Recorder
	var recordings httpServer.RecordingSource
	if cfg.RecordEnabled {
		store, err := storage.New(ctx, storage.Config{
			Type:          cfg.StorageType,
			Dir:           cfg.StorageDir,
			GCSProjectID:  cfg.GCSProjectID,
			GCSBucketName: cfg.GCSBucketName,
			GCSBaseDir:    cfg.GCSBaseDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		r.recorder = recorder.New(store, recorder.Config{
			SegmentDuration: cfg.RecordSegmentDuration,
			MaxSegments:     cfg.RecordMaxSegments,
			Format:          cfg.RecordFormat,
		}, r.metrics)
		castRecorder, rtmpRecorder, recordings = r.recorder, r.recorder, r.recorder
		log.Printf("[receiver] recording %s segments to %s storage", r.recorder.Format(), cfg.StorageType)
	}

	dec := opts.Decoder
	if dec == nil {
		dec = decoder.NewPipeDecoder(cfg.DecoderCommand, opts.Stdout)
	}

	r.discovery = discovery.NewResponder(cfg.DiscoveryAddr, cfg.DeviceName, r.metrics)
	r.cast = castserver.New(castserver.Config{
		Addr:        cfg.CastAddr,
		IdleTimeout: cfg.CastIdleTimeout,
	}, r.queue, r.publisher, r.slot, castRecorder, r.metrics)
	r.orchestrator = decoder.NewOrchestrator(decoder.Config{
		InputTimeout:  cfg.DecoderInputTimeout,
		OutputTimeout: cfg.DecoderOutputTimeout,
		PopTimeout:    cfg.QueuePopTimeout,
		DefaultParams: defaults,
	}, dec, r.queue, r.publisher, r.metrics)

	if cfg.RTMPAddr != "" {
		r.rtmp = rtmpingest.New(rtmpingest.Config{
			Addr:          cfg.RTMPAddr,
			App:           "live",
			DefaultParams: defaults,
		}, r.queue, r.publisher, r.slot, rtmpRecorder, r.metrics)
	}
	if cfg.HTTPAddr != "" {
		r.http = httpServer.New(r, r.publisher, recordings, r.metrics, opts.Gatherer)
	}
	if cfg.MQTTBroker != "" {
		r.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:     cfg.MQTTBroker,
			Topic:      cfg.MQTTTopic,
			ClientID:   cfg.MQTTClientID,
			DeviceName: cfg.DeviceName,
		}, r.metrics)
	}

	return r, nil
}

// Start starts every component. If one fails, those already started are stopped.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("receiver already started")
	}
	r.started = true
	r.startedAt.Store(time.Now().UnixNano())

	steps := []component{
		{"decoder", r.startDecoder, r.orchestrator.Stop},
		{"cast server", r.cast.Start, r.cast.Stop},
		{"discovery", r.discovery.Start, r.discovery.Stop},
	}
	if r.rtmp != nil {
		steps = append(steps, component{"rtmp ingest", r.rtmp.Start, r.rtmp.Stop})
	}
	if r.http != nil {
		steps = append(steps, component{"http", func() error { return r.http.Start(r.cfg.HTTPAddr) }, r.stopHTTP})
	}
	if r.emitter != nil {
		steps = append(steps, component{"mqtt", func() error { return r.startEmitter(ctx) }, r.emitter.Stop})
	}

	for _, step := range steps {
		if err := step.start(); err != nil {
			r.stopLocked()
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
		r.stops = append(r.stops, step.stop)
	}

	log.Printf("[receiver] %q ready: cast %s, discovery %s", r.cfg.DeviceName, r.cast.Addr(), r.discovery.Addr())
	return nil
}

// Stop stops every started component in reverse order. Safe to call more than once.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Receiver) stopLocked() {
	r.stopOnce.Do(func() {
		for i := len(r.stops) - 1; i >= 0; i-- {
			r.stops[i]()
		}
		r.stops = nil
		if r.recorder != nil {
			r.recorder.Close()
		}
		r.queue.Close()
		log.Printf("[receiver] stopped")
	})
}

func (r *Receiver) startDecoder() error {
	if err := r.orchestrator.Start(); err != nil {
		return err
	}
	if r.surface != nil {
		r.orchestrator.SetSurface(r.surface)
	}
	return nil
}

func (r *Receiver) startEmitter(ctx context.Context) error {
	if err := r.emitter.Connect(ctx); err != nil {
		return err
	}
	return r.emitter.Start(r.publisher)
}

func (r *Receiver) stopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.http.Shutdown(ctx); err != nil {
		log.Printf("[receiver] http shutdown: %v", err)
	}
}

// SetSurface hands a rendering surface to the decoder
func (r *Receiver) SetSurface(s decoder.Surface) {
	r.orchestrator.SetSurface(s)
}

// RevokeSurface withdraws the rendering surface; the decoder is released first
func (r *Receiver) RevokeSurface() {
	r.orchestrator.RevokeSurface()
}

// Publisher returns the connection state publisher
func (r *Receiver) Publisher() *status.Publisher {
	return r.publisher
}

// CastAddr returns the bound cast address, or "" before Start
func (r *Receiver) CastAddr() string {
	if a := r.cast.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// DiscoveryAddr returns the bound discovery address, or "" before Start
func (r *Receiver) DiscoveryAddr() string {
	if a := r.discovery.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Status reports the receiver's current state for the HTTP API
func (r *Receiver) Status() models.StatusResponse {
	uptime := 0
	if startedAt := r.startedAt.Load(); startedAt != 0 {
		uptime = int(time.Since(time.Unix(0, startedAt)).Seconds())
	}

	return models.StatusResponse{
		DeviceName: r.cfg.DeviceName,
		Connection: r.publisher.Current(),
		Server:     string(r.cast.State()),
		Queue:      r.queue.Stats(),
		Decoder:    r.orchestrator.Stats(),
		Recording:  r.recorder != nil,
		UptimeSec:  uptime,
	}
}
