package waterfall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/session"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/storage"
	"github.com/roman-kulish/listening-post/internal/transport"
)

// ErrNotSuspended is returned by Resume when there is nothing to resume
var ErrNotSuspended = errors.New("waterfall not suspended")

// Journal records waterfall sessions and rendered rows. *storage.Journal implements it.
type Journal interface {
	SessionStarted(id uuid.UUID, purpose, deviceID string, config any)
	SessionEnded(id uuid.UUID, cause error)
	RecordWaterfallRow(r storage.WaterfallRow)
}

// Status describes the waterfall session.
type Status struct {
	Running   bool           `json:"running"`
	Suspended bool           `json:"suspended"`
	ID        uuid.UUID      `json:"id"`
	Mode      transport.Mode `json:"mode,omitempty"`
	Range     spectrum.Range `json:"range"`
	Rows      int            `json:"rows"`
	Trace     *Trace         `json:"trace,omitempty"`
}

// WithLogger sets the logger for the session
func WithLogger(logger *zap.Logger) func(s *Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the session
func WithMetrics(m *metrics.Metrics) func(s *Session) {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithJournal sets the journal receiving waterfall sessions and rows
func WithJournal(j Journal) func(s *Session) {
	return func(s *Session) {
		s.journal = j
	}
}

// Session runs the waterfall stream of one device. It can be suspended while
// the device is lent to a listen session and resumed with the same range.
type Session struct {
	deviceID string
	runner   *session.Runner
	pipeline *Pipeline

	mu        sync.Mutex
	rng       spectrum.Range
	suspended bool

	journal Journal
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSession(deviceID string, reserver device.Reserver, backend session.Backend, opener session.Opener, config Config, options ...func(s *Session)) (*Session, error) {
	s := Session{
		deviceID: deviceID,
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(&s)
	}

	pipeline, err := NewPipeline(config,
		WithPipelineLogger(s.logger),
		WithPipelineMetrics(s.metrics),
		WithOnRow(s.recordRow),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	s.pipeline = pipeline

	s.runner = session.NewRunner(device.PurposeWaterfall, reserver, backend, opener, pipeline.Run,
		session.WithLogger(s.logger),
		session.WithOnStopped(s.stopped),
	)
	return &s, nil
}

// Start begins a waterfall over rng with a fresh raster.
func (s *Session) Start(ctx context.Context, rng spectrum.Range) (uuid.UUID, error) {
	if err := rng.Validate(); err != nil {
		return uuid.Nil, err
	}
	if s.runner.IsRunning() {
		return uuid.Nil, session.ErrAlreadyRunning
	}

	s.pipeline.Reset()
	return s.start(ctx, rng)
}

func (s *Session) start(ctx context.Context, rng spectrum.Range) (uuid.UUID, error) {
	id, err := s.runner.Start(ctx, s.deviceID, control.ScanRequest(rng, s.deviceID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("starting waterfall: %w", err)
	}

	s.mu.Lock()
	s.rng = rng
	s.suspended = false
	s.mu.Unlock()

	if s.journal != nil {
		s.journal.SessionStarted(id, string(device.PurposeWaterfall), s.deviceID, rng)
	}
	s.logger.Info("waterfall started", zap.Stringer("session", id), zap.String("range", FormatFrequency(rng.Start)+" - "+FormatFrequency(rng.End)))
	return id, nil
}

// Stop ends the waterfall and forgets any suspension.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()

	err := s.runner.Stop(ctx)
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Active reports whether the waterfall is streaming.
func (s *Session) Active() bool {
	return s.runner.IsRunning()
}

// Suspend stops a running waterfall and remembers to resume it. It reports
// whether anything was suspended.
func (s *Session) Suspend(ctx context.Context) (bool, error) {
	if !s.runner.IsRunning() {
		return false, nil
	}

	if err := s.runner.Stop(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
		return false, fmt.Errorf("suspending waterfall: %w", err)
	}

	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()

	s.logger.Info("waterfall suspended")
	return true, nil
}

// Resume restarts a suspended waterfall with its last range, keeping the raster.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	suspended, rng := s.suspended, s.rng
	s.mu.Unlock()

	if !suspended {
		return ErrNotSuspended
	}
	if _, err := s.start(ctx, rng); err != nil {
		return err
	}

	s.logger.Info("waterfall resumed")
	return nil
}

func (s *Session) Snapshot() Snapshot {
	return s.pipeline.Snapshot()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Suspended: s.suspended,
		Range:     s.rng,
	}
	s.mu.Unlock()

	st.Running = s.runner.IsRunning()
	st.ID = s.runner.ID()
	if mode, ok := s.runner.Mode(); ok {
		st.Mode = mode
	}

	st.Rows = s.pipeline.Rows()
	st.Trace = s.pipeline.Trace()
	return st
}

func (s *Session) recordRow(f spectrum.Frame) {
	if s.journal != nil {
		s.journal.RecordWaterfallRow(storage.WaterfallRow{SessionID: s.runner.ID(), Frame: f})
	}
}

func (s *Session) stopped(result session.Result) {
	if s.journal != nil {
		s.journal.SessionEnded(result.ID, result.Err)
	}
	if result.Err != nil {
		s.logger.Warn("waterfall ended", zap.Stringer("session", result.ID), zap.Error(result.Err))
	}
}
