package httpServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"castreceiver/internal/metrics"
	"castreceiver/internal/status"
	"castreceiver/internal/storage"
	"castreceiver/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// signedURLExpiry is how long a redirect to a stored segment stays valid
const signedURLExpiry = 15 * time.Minute

// StatusSource reports the receiver's status
type StatusSource interface {
	Status() models.StatusResponse
}

// RecordingSource exposes recorded sessions. It is nil when recording is disabled.
type RecordingSource interface {
	Recordings() []models.Recording
	Recording(sessionID string) (models.Recording, bool)
	Storage() storage.Storage
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router     *gin.Engine
	status     StatusSource
	publisher  *status.Publisher
	recordings RecordingSource
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	httpSrv *http.Server
	addr    net.Addr
}

// New creates a new HTTP server. recordings may be nil; gatherer defaults to the
// global Prometheus registry.
func New(statusSource StatusSource, publisher *status.Publisher, recordings RecordingSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		status:     statusSource,
		publisher:  publisher,
		recordings: recordings,
		metrics:    m,
		gatherer:   gatherer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Logs go to stderr; stdout may carry the video stream
	router := gin.New()
	router.Use(gin.LoggerWithWriter(os.Stderr), gin.Recovery(), s.instrument())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.GET("/v1/status/events", s.handleStatusEvents)
		api.GET("/v1/recordings", s.handleListRecordings)
		api.GET("/v1/recordings/:sessionId", s.handleGetRecording)
		api.GET("/v1/recordings/:sessionId/:file", s.handleRecordingFile)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds addr and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.addr = listener.Addr()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[http] server failed: %v", err)
		}
	}()

	log.Printf("[http] listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown stops the server, waiting for requests to finish until ctx ends.
// Event streams are cut off when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return s.httpSrv.Close()
	}
	return err
}

// instrument records request counts and latency per route
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, s.status.Status())
}

// handleStatusEvents streams connection state transitions as server-sent events,
// starting with the current state
func (s *Server) handleStatusEvents(c *gin.Context) {
	states, cancel := s.publisher.Subscribe(8)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	c.SSEvent("state", s.publisher.Current())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case st, ok := <-states:
			if !ok {
				return false
			}
			c.SSEvent("state", st)
			return true
		}
	})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording disabled"})
		return
	}

	recordings := s.recordings.Recordings()
	c.JSON(http.StatusOK, gin.H{
		"recordings": recordings,
		"total":      len(recordings),
	})
}

func (s *Server) handleGetRecording(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording disabled"})
		return
	}

	rec, exists := s.recordings.Recording(c.Param("sessionId"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// handleRecordingFile serves a stored segment or manifest. Backends that can sign URLs
// redirect the client to the object instead.
func (s *Server) handleRecordingFile(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording disabled"})
		return
	}

	objectPath := path.Join(c.Param("sessionId"), c.Param("file"))
	if !storage.ValidPath(objectPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	store := s.recordings.Storage()
	ctx := c.Request.Context()

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	if signer, ok := store.(storage.URLSigner); ok {
		url, err := signer.SignedURL(objectPath, signedURLExpiry)
		if err == nil {
			c.Redirect(http.StatusTemporaryRedirect, url)
			return
		}
		log.Printf("[http] signing %s failed, serving directly: %v", objectPath, err)
	}

	f, err := store.Open(ctx, objectPath)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	defer f.Close()

	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Content-Type", storage.ContentType(objectPath))
	http.ServeContent(c.Writer, c.Request, path.Base(objectPath), time.Time{}, f)
}
