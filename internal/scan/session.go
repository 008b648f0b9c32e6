package scan

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
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/transport"
)

// Journal records scan sessions. *storage.Journal implements it.
type Journal interface {
	SessionStarted(id uuid.UUID, purpose, deviceID string, config any)
	SessionEnded(id uuid.UUID, cause error)
	RecordScanProgress(p storage.ScanProgress)
}

// Status describes the scan session.
type Status struct {
	Running  bool           `json:"running"`
	ID       uuid.UUID      `json:"id"`
	Mode     transport.Mode `json:"mode,omitempty"`
	Progress Snapshot       `json:"progress"`
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

// WithJournal sets the journal receiving scan sessions and accepted progress
func WithJournal(j Journal) func(s *Session) {
	return func(s *Session) {
		s.journal = j
	}
}

// Session runs scans on one device. The stream handler is the only writer of the
// tracker; readers get copies through Status and Subscribe.
type Session struct {
	deviceID string
	runner   *session.Runner
	startMu  sync.Mutex // held across the running check, tracker reset and runner start

	mu          sync.Mutex
	tracker     *Tracker
	subscribers map[chan Snapshot]struct{}

	journal Journal
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSession(deviceID string, reserver device.Reserver, backend session.Backend, opener session.Opener, config Config, options ...func(s *Session)) *Session {
	s := Session{
		deviceID:    deviceID,
		tracker:     NewTracker(idleRange, config),
		subscribers: make(map[chan Snapshot]struct{}),
		logger:      zap.NewNop(),
	}

	for _, option := range options {
		option(&s)
	}

	s.runner = session.NewRunner(device.PurposeScan, reserver, backend, opener, s.handle,
		session.WithLogger(s.logger),
		session.WithOnStopped(s.stopped),
	)
	return &s
}

// Start begins a scan over rng. Progress tracking starts from zero.
func (s *Session) Start(ctx context.Context, rng spectrum.Range) (uuid.UUID, error) {
	if err := rng.Validate(); err != nil {
		return uuid.Nil, err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.runner.IsRunning() {
		return uuid.Nil, session.ErrAlreadyRunning
	}

	s.mu.Lock()
	s.tracker.Reset(rng)
	s.mu.Unlock()

	id, err := s.runner.Start(ctx, s.deviceID, control.ScanRequest(rng, s.deviceID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("starting scan: %w", err)
	}

	if s.journal != nil {
		s.journal.SessionStarted(id, string(device.PurposeScan), s.deviceID, rng)
	}
	s.logger.Info("scan started",
		zap.Stringer("session", id),
		zap.Float64("start", rng.Start),
		zap.Float64("end", rng.End),
		zap.Float64("step", rng.Step),
		zap.Int("steps", rng.TotalSteps()))

	s.publish(s.Snapshot())
	return id, nil
}

// Stop ends the scan and waits for cleanup.
func (s *Session) Stop(ctx context.Context) error {
	err := s.runner.Stop(ctx)
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) IsRunning() bool {
	return s.runner.IsRunning()
}

// Snapshot returns a copy of the current progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Snapshot()
}

func (s *Session) Status() Status {
	st := Status{
		Running:  s.runner.IsRunning(),
		ID:       s.runner.ID(),
		Progress: s.Snapshot(),
	}
	if mode, ok := s.runner.Mode(); ok {
		st.Mode = mode
	}
	return st
}

// Subscribe returns a channel of progress snapshots. Slow subscribers only ever
// see the latest snapshot. The returned function unsubscribes.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}

func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Session) handle(ctx context.Context, messages <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Kind != transport.KindText {
				continue
			}

			ev, err := decodeEvent(msg)
			if err != nil {
				s.metrics.TelemetrySample(Dropped.String())
				s.logger.Debug("dropping telemetry", zap.Error(err))
				continue
			}
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev *telemetry.Event) {
	s.mu.Lock()
	before := s.tracker.cycle
	outcome := s.tracker.Apply(ev)
	snap := s.tracker.Snapshot()
	s.mu.Unlock()

	if outcome == Ignored {
		return
	}
	s.metrics.TelemetrySample(outcome.String())

	if snap.CycleCount > before {
		s.metrics.ScanCycle()
		s.logger.Debug("scan cycle", zap.Int("cycle", snap.CycleCount))
	}
	if outcome == Rejected || outcome == Dropped {
		return
	}
	s.metrics.FreqsScanned(snap.FreqsScanned)

	if s.journal != nil && (outcome == Accepted || outcome == Wrapped) && ev.Type != telemetry.EventSignalFound && ev.Type != telemetry.EventSignalLost {
		s.journal.RecordScanProgress(storage.ScanProgress{
			SessionID:    s.runner.ID(),
			Timestamp:    snap.UpdatedAt,
			Cycle:        snap.CycleCount,
			Fraction:     snap.Fraction,
			Frequency:    snap.Frequency,
			FreqsScanned: snap.FreqsScanned,
		})
	}
	s.publish(snap)
}

func (s *Session) stopped(result session.Result) {
	if s.journal != nil {
		s.journal.SessionEnded(result.ID, result.Err)
	}
	if result.Err != nil {
		s.logger.Warn("scan ended", zap.Stringer("session", result.ID), zap.Error(result.Err))
	}
	s.publish(s.Snapshot())
}

// decodeEvent decodes a text message. Status polls of the fallback transport
// carry no event type of their own.
func decodeEvent(msg transport.Message) (*telemetry.Event, error) {
	ev, err := telemetry.DecodeEvent(msg.Data)
	if err != nil && ev != nil && ev.Type == "" && msg.Event == transport.StatusEvent {
		ev.Type = telemetry.EventStatus
		return ev, nil
	}
	return ev, err
}

// placeholder until the first scan is started
var idleRange = spectrum.Range{Start: 0, End: 1, Step: 1}
