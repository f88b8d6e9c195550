// Package discovery answers LAN probes from senders looking for a receiver.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"castreceiver/internal/metrics"
	"castreceiver/internal/protocol"
)

const (
	// MaxDatagramSize bounds a single probe datagram
	MaxDatagramSize = 1024
	// pollInterval is how often the read loop checks for shutdown
	pollInterval = 1 * time.Second
)

// Responder replies CAST_RESPONSE:<name> to every CAST_DISCOVER datagram it receives
type Responder struct {
	addr       string
	deviceName string
	metrics    *metrics.Metrics

	mu      sync.Mutex
	conn    *net.UDPConn
	started bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewResponder creates a responder that will bind addr (for example ":8889")
func NewResponder(addr, deviceName string, m *metrics.Metrics) *Responder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		addr:       addr,
		deviceName: deviceName,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the socket and starts the read loop
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("discovery responder already started")
	}
	if r.ctx.Err() != nil {
		return errors.New("discovery responder stopped")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", r.addr)
	if err != nil {
		return fmt.Errorf("invalid discovery address %s: %w", r.addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP %s: %w", r.addr, err)
	}
	r.conn = conn
	r.started = true

	r.wg.Add(1)
	go r.listenLoop(conn)

	log.Printf("[discovery] responding as %q on UDP %s", r.deviceName, conn.LocalAddr())
	return nil
}

// Stop closes the socket and waits for the read loop to exit. Safe to call more than once.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()

		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		r.wg.Wait()
		if conn != nil {
			log.Printf("[discovery] stopped")
		}
	})
}

// Addr returns the bound address, or nil before Start
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// listenLoop receives probes until the responder stops
func (r *Responder) listenLoop(conn *net.UDPConn) {
	defer r.wg.Done()

	response := []byte(protocol.DiscoveryResponsePrefix + r.deviceName)
	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		// Deadline lets the loop notice Stop even if Close races with the read
		conn.SetReadDeadline(time.Now().Add(pollInterval))

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			r.metrics.RecordDiscoveryError()
			log.Printf("[discovery] read error: %v", err)
			continue
		}

		if string(buf[:n]) != protocol.DiscoveryProbe {
			r.metrics.RecordDiscovery(false)
			continue
		}

		if _, err := conn.WriteToUDP(response, addr); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.metrics.RecordDiscoveryError()
			log.Printf("[discovery] reply to %s failed: %v", addr, err)
			continue
		}
		r.metrics.RecordDiscovery(true)
		log.Printf("[discovery] answered probe from %s", addr)
	}
}
