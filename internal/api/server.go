// Package api exposes the operator HTTP interface: scan, listen and waterfall
// intents, status, server-sent progress events and the live audio stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/notify"
	"github.com/roman-kulish/listening-post/internal/scan"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

const (
	DefaultAddr = "127.0.0.1:8080"

	shutdownTimeout = 5 * time.Second
)

// Scanner is the scan session. *scan.Session implements it.
type Scanner interface {
	Start(ctx context.Context, rng spectrum.Range) (uuid.UUID, error)
	Stop(ctx context.Context) error
	Status() scan.Status
	Subscribe() (<-chan scan.Snapshot, func())
}

// Waterfall is the waterfall session. *waterfall.Session implements it.
type Waterfall interface {
	Start(ctx context.Context, rng spectrum.Range) (uuid.UUID, error)
	Stop(ctx context.Context) error
	Status() waterfall.Status
	Snapshot() waterfall.Snapshot
}

// Listener is the listen coordinator. *listen.Coordinator implements it.
type Listener interface {
	RequestListen(ctx context.Context, p spectrum.ListenParams, immediate bool) error
	Stop(ctx context.Context) error
	Unlock(ctx context.Context) error
	Status() listen.Status
}

// Audio hands out live audio streams. *listen.Relay implements it.
type Audio interface {
	Attach() (<-chan []byte, func())
}

// Devices reports the device claim holder. *device.Registry implements it.
type Devices interface {
	Holder() (device.Claim, bool)
}

// WithLogger sets the logger for the server
func WithLogger(logger *zap.Logger) func(s *Server) {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics exposes m on /metrics
func WithMetrics(m *metrics.Metrics) func(s *Server) {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAudio enables the live audio stream
func WithAudio(a Audio) func(s *Server) {
	return func(s *Server) {
		s.audio = a
	}
}

// WithRenderer sets the renderer of waterfall snapshots
func WithRenderer(r *waterfall.Renderer) func(s *Server) {
	return func(s *Server) {
		s.renderer = r
	}
}

// WithNotifications exposes recorded user notifications
func WithNotifications(r *notify.Recorder) func(s *Server) {
	return func(s *Server) {
		s.notifications = r
	}
}

// Server is the operator HTTP API.
type Server struct {
	addr      string
	scanner   Scanner
	waterfall Waterfall
	listener  Listener
	devices   Devices

	audio         Audio
	renderer      *waterfall.Renderer
	notifications *notify.Recorder
	metrics       *metrics.Metrics

	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	logger *zap.Logger
}

func NewServer(addr string, scanner Scanner, wf Waterfall, listener Listener, devices Devices, options ...func(s *Server)) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := Server{
		addr:      addr,
		scanner:   scanner,
		waterfall: wf,
		listener:  listener,
		devices:   devices,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		logger:    zap.NewNop(),
	}

	for _, option := range options {
		option(&s)
	}

	s.logger = s.logger.With(zap.String("component", "api"))
	return &s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/device", s.handleDevice)

	r.POST("/api/scan", s.handleScanStart)
	r.DELETE("/api/scan", s.handleScanStop)
	r.GET("/api/scan", s.handleScanStatus)
	r.GET("/api/scan/events", s.handleScanEvents)

	r.POST("/api/listen", s.handleListen(true))
	r.PATCH("/api/listen", s.handleListen(false))
	r.DELETE("/api/listen", s.handleListenStop)
	r.GET("/api/listen", s.handleListenStatus)
	r.POST("/api/listen/unlock", s.handleListenUnlock)
	if s.audio != nil {
		r.GET("/api/listen/audio", s.handleListenAudio)
	}

	r.POST("/api/waterfall", s.handleWaterfallStart)
	r.DELETE("/api/waterfall", s.handleWaterfallStop)
	r.GET("/api/waterfall", s.handleWaterfallStatus)
	if s.renderer != nil {
		r.GET("/api/waterfall.png", s.handleWaterfallImage)
	}

	if s.notifications != nil {
		r.GET("/api/notifications", s.handleNotifications)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.logger.Info("api listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server. Streaming responses end when
// the base context is cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleDevice(c *gin.Context) {
	claim, ok := s.devices.Holder()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"held": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"held": true, "claim": claim})
}

func (s *Server) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, s.notifications.Entries())
}
