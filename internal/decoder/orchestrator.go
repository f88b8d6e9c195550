package decoder

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"castreceiver/internal/metrics"
	"castreceiver/internal/status"
	"castreceiver/pkg/models"
)

// State is the orchestrator lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateReleased      State = "released"
)

const (
	DefaultInputTimeout  = 10 * time.Millisecond
	DefaultOutputTimeout = 10 * time.Millisecond
	DefaultPopTimeout    = 100 * time.Millisecond
)

// FrameSource supplies frames to decode
type FrameSource interface {
	Pop(timeout time.Duration) (models.VideoFrame, bool)
	Clear() int
	Len() int
}

// Config holds orchestrator timings and the parameters used before any sender connects
type Config struct {
	InputTimeout  time.Duration
	OutputTimeout time.Duration
	PopTimeout    time.Duration
	DefaultParams models.VideoParams
}

// Orchestrator moves frames from the queue into a Decoder and renders its output.
// It follows the published connection state and reconfigures the decoder when a
// sender announces new dimensions.
type Orchestrator struct {
	cfg       Config
	dec       Decoder
	source    FrameSource
	publisher *status.Publisher
	metrics   *metrics.Metrics

	// mu serializes every call into dec
	mu         sync.Mutex
	surface    Surface
	target     models.VideoParams // parameters to initialize with
	configured models.VideoParams // parameters the decoder is running with
	started    bool

	stateMu sync.RWMutex
	state   State

	hasSurface      atomic.Bool
	submitted       atomic.Uint64
	emptyInputs     atomic.Uint64
	rendered        atomic.Uint64
	initializations atomic.Uint64
	failures        atomic.Uint64

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewOrchestrator creates an orchestrator in the Uninitialized state
func NewOrchestrator(cfg Config, dec Decoder, source FrameSource, publisher *status.Publisher, m *metrics.Metrics) *Orchestrator {
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = DefaultInputTimeout
	}
	if cfg.OutputTimeout <= 0 {
		cfg.OutputTimeout = DefaultOutputTimeout
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		dec:       dec,
		source:    source,
		publisher: publisher,
		metrics:   m,
		target:    cfg.DefaultParams,
		state:     StateUninitialized,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins following connection state and decoding
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.New("decode orchestrator already started")
	}
	if o.ctx.Err() != nil {
		return errors.New("decode orchestrator stopped")
	}
	o.started = true

	states, unsubscribe := o.publisher.Subscribe(4)
	current := o.publisher.Current()
	if current.IsConnected() {
		o.target = current.Params()
	}
	o.ensureRunningLocked()

	o.wg.Add(1)
	go o.loop(states, unsubscribe)

	log.Printf("[decoder] orchestrator started (state %s)", o.State())
	return nil
}

// Stop ends the decode loop, clears the queue and releases the decoder.
// Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()

		o.mu.Lock()
		defer o.mu.Unlock()

		if n := o.source.Clear(); n > 0 {
			log.Printf("[decoder] discarded %d queued frames", n)
		}
		o.releaseLocked()
		o.setState(StateReleased)
		log.Printf("[decoder] orchestrator stopped")
	})
}

// SetSurface supplies a rendering surface. Replacing a surface re-initializes the
// decoder on the new one with the last known parameters.
func (o *Orchestrator) SetSurface(surface Surface) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == StateReleased {
		return
	}
	if surface == nil {
		o.revokeLocked()
		return
	}

	log.Printf("[decoder] surface %s supplied", surface.Name())
	o.releaseLocked()
	o.surface = surface
	o.hasSurface.Store(true)
	o.ensureRunningLocked()
	o.signal()
}

// RevokeSurface withdraws the rendering surface. The decoder is released before
// RevokeSurface returns.
func (o *Orchestrator) RevokeSurface() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revokeLocked()
}

func (o *Orchestrator) revokeLocked() {
	if o.surface == nil {
		return
	}
	log.Printf("[decoder] surface %s revoked", o.surface.Name())
	o.releaseLocked()
	o.surface = nil
	o.hasSurface.Store(false)
}

// State returns the lifecycle state
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Stats returns lifecycle state and counters
func (o *Orchestrator) Stats() models.DecoderStats {
	o.stateMu.RLock()
	state := o.state
	configured := o.configured
	o.stateMu.RUnlock()

	return models.DecoderStats{
		State:           string(state),
		Width:           configured.Width,
		Height:          configured.Height,
		HasSurface:      o.hasSurface.Load(),
		FramesSubmitted: o.submitted.Load(),
		EmptyInputs:     o.emptyInputs.Load(),
		FramesRendered:  o.rendered.Load(),
		Initializations: o.initializations.Load(),
		Failures:        o.failures.Load(),
	}
}

func (o *Orchestrator) setState(state State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state != state {
		log.Printf("[decoder] %s -> %s", o.state, state)
	}
	o.state = state
}

// signal wakes the loop so it notices a new Running state
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// loop runs decode iterations while Running and otherwise waits for a state change
func (o *Orchestrator) loop(states <-chan models.ConnectionState, unsubscribe func()) {
	defer o.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-o.ctx.Done():
			return
		case st := <-states:
			o.onConnectionState(st)
			continue
		default:
		}

		if o.State() == StateRunning {
			o.step(states)
			continue
		}

		select {
		case <-o.ctx.Done():
			return
		case st := <-states:
			o.onConnectionState(st)
		case <-o.wake:
		}
	}
}

// onConnectionState reconfigures the decoder for a newly connected sender
func (o *Orchestrator) onConnectionState(st models.ConnectionState) {
	if !st.IsConnected() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.applyConnectionStateLocked(st)
}

// applyPendingLocked applies transitions already published, so a frame popped for a
// new sender never reaches a decoder configured for the previous one. It reports
// whether the decoder was released. Caller holds mu.
func (o *Orchestrator) applyPendingLocked(states <-chan models.ConnectionState) bool {
	released := false
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return released
			}
			if st.IsConnected() && o.applyConnectionStateLocked(st) {
				released = true
			}
		default:
			return released
		}
	}
}

// applyConnectionStateLocked reports whether the held decoder was released. Caller
// holds mu.
func (o *Orchestrator) applyConnectionStateLocked(st models.ConnectionState) bool {
	params := st.Params()
	o.target = params

	switch o.State() {
	case StateInitialized, StateRunning:
		if sameDimensions(o.configured, params) {
			return false
		}
		log.Printf("[decoder] sender changed resolution %dx%d -> %dx%d",
			o.configured.Width, o.configured.Height, params.Width, params.Height)
		o.releaseLocked()
		o.ensureRunningLocked()
		return true
	case StateUninitialized:
		o.ensureRunningLocked()
	}
	return false
}

// ensureRunningLocked initializes the decoder if it is not held and a surface is
// available. Caller holds mu.
func (o *Orchestrator) ensureRunningLocked() {
	if !o.started || o.ctx.Err() != nil || o.surface == nil {
		return
	}
	if o.State() != StateUninitialized {
		return
	}

	params := o.target
	if err := o.dec.Initialize(params, o.surface); err != nil {
		log.Printf("[decoder] failed to initialize %dx%d on %s: %v", params.Width, params.Height, o.surface.Name(), err)
		o.failures.Add(1)
		o.metrics.RecordDecoderFailure("initialize")
		if rerr := o.dec.Release(); rerr != nil {
			log.Printf("[decoder] release after failed initialize: %v", rerr)
		}
		return
	}

	o.stateMu.Lock()
	o.configured = params
	o.stateMu.Unlock()
	o.initializations.Add(1)
	o.metrics.RecordDecoderInit()
	log.Printf("[decoder] initialized %dx%d@%d on %s", params.Width, params.Height, params.FPS, o.surface.Name())

	o.setState(StateInitialized)
	o.setState(StateRunning)
}

// releaseLocked releases the decoder if it is held. Caller holds mu.
func (o *Orchestrator) releaseLocked() {
	switch o.State() {
	case StateInitialized, StateRunning:
	default:
		return
	}

	if err := o.dec.Release(); err != nil {
		log.Printf("[decoder] release failed: %v", err)
		o.metrics.RecordDecoderFailure("release")
	}
	o.metrics.RecordDecoderRelease()

	o.stateMu.Lock()
	o.configured = models.VideoParams{}
	o.stateMu.Unlock()
	o.setState(StateUninitialized)
}

// step runs one pull iteration: feed one input, then drain at most one output
func (o *Orchestrator) step(states <-chan models.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.applyPendingLocked(states) || o.State() != StateRunning {
		return
	}

	if o.dec.AcquireInput(o.cfg.InputTimeout) {
		frame, ok := o.source.Pop(o.cfg.PopTimeout)
		o.metrics.SetQueueDepth(o.source.Len())

		// A sender may have connected while Pop waited
		if ok && o.applyPendingLocked(states) {
			if o.State() != StateRunning || !o.dec.AcquireInput(o.cfg.InputTimeout) {
				log.Printf("[decoder] dropped frame %d after reconfiguration", frame.Timestamp)
				o.metrics.RecordFrameDropped("decoder", 1)
				return
			}
		}

		var err error
		if ok {
			err = o.dec.SubmitInput(frame.Payload, frame.Timestamp)
		} else {
			err = o.dec.SubmitInput(nil, 0)
		}

		switch {
		case errors.Is(err, ErrInputBusy):
			log.Printf("[decoder] input slot lost: %v", err)
		case err != nil:
			o.failLocked("submit", err)
			return
		case ok:
			o.submitted.Add(1)
			o.metrics.RecordDecoderInput(false)
		default:
			o.emptyInputs.Add(1)
			o.metrics.RecordDecoderInput(true)
		}
	}

	out, err := o.dec.PollOutput(o.cfg.OutputTimeout)
	if err != nil {
		o.failLocked("output", err)
		return
	}

	switch out {
	case OutputReady:
		if err := o.dec.RenderOutput(); err != nil {
			o.failLocked("render", err)
			return
		}
		o.rendered.Add(1)
		o.metrics.RecordFrameRendered()
	case OutputFormatChanged:
		log.Printf("[decoder] output format changed")
		o.metrics.RecordFormatChange()
	}
}

// failLocked releases the decoder after an error. It is initialized again on the next
// sender handshake or surface change. Caller holds mu.
func (o *Orchestrator) failLocked(stage string, err error) {
	log.Printf("[decoder] %s failed: %v", stage, err)
	o.failures.Add(1)
	o.metrics.RecordDecoderFailure(stage)
	o.releaseLocked()
}

func sameDimensions(a, b models.VideoParams) bool {
	return a.Width == b.Width && a.Height == b.Height
}
