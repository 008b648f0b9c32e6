package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/transport"
)

const cleanupTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned when starting a running session
	ErrAlreadyRunning = errors.New("session already running")

	// ErrNotRunning is returned by Send on a stopped session
	ErrNotRunning = errors.New("session not running")
)

// Backend starts and stops the remote consumer. *control.Client implements it.
type Backend interface {
	Start(ctx context.Context, request control.StartRequest) (*control.StartResponse, error)
	Stop(ctx context.Context) error
}

// Opener opens the stream of the consumer. *transport.Opener implements it.
type Opener interface {
	Open(ctx context.Context) (*transport.Channel, error)
}

// Handler consumes the stream until messages is closed or ctx is done.
// A non-nil error ends the session as failed.
type Handler func(ctx context.Context, messages <-chan transport.Message) error

// Result describes how a session ended.
type Result struct {
	ID  uuid.UUID
	Err error // nil after an explicit stop
}

// WithLogger sets the logger for the runner
func WithLogger(logger *zap.Logger) func(r *Runner) {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithOnStopped registers a callback invoked once per session after cleanup
func WithOnStopped(fn func(Result)) func(r *Runner) {
	return func(r *Runner) {
		r.onStopped = fn
	}
}

// Runner owns the lifecycle of one consumer session: claim the device, start the
// backend, open the stream and run the handler. Every exit path, explicit stop,
// handler failure or lost stream, runs the same cleanup: close the stream, stop
// the backend and release the device claim.
type Runner struct {
	purpose  device.Purpose
	reserver device.Reserver
	backend  Backend
	opener   Opener
	handler  Handler

	isRunning atomic.Bool

	mu      sync.Mutex
	id      uuid.UUID
	channel *transport.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	stopErr error

	onStopped func(Result)
	logger    *zap.Logger
}

// NewRunner creates a runner for purpose with a no-op logger
func NewRunner(purpose device.Purpose, reserver device.Reserver, backend Backend, opener Opener, handler Handler, options ...func(r *Runner)) *Runner {
	r := Runner{
		purpose:  purpose,
		reserver: reserver,
		backend:  backend,
		opener:   opener,
		handler:  handler,
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(&r)
	}

	r.logger = r.logger.With(zap.String("purpose", string(purpose)))
	return &r
}

// Start claims deviceID and starts a session. A failure at any step undoes the
// steps before it, including the device claim, before the error is returned.
func (r *Runner) Start(ctx context.Context, deviceID string, request control.StartRequest) (uuid.UUID, error) {
	if !r.isRunning.CompareAndSwap(false, true) {
		return uuid.Nil, ErrAlreadyRunning
	}

	id := uuid.New()
	logger := r.logger.With(zap.Stringer("session", id))

	if err := r.reserver.Reserve(ctx, deviceID, r.purpose); err != nil {
		r.isRunning.Store(false)
		return uuid.Nil, fmt.Errorf("reserving device: %w", err)
	}

	if _, err := r.backend.Start(ctx, request); err != nil && !errors.Is(err, control.ErrAlreadyRunning) {
		r.releaseDevice(logger)
		r.isRunning.Store(false)
		return uuid.Nil, fmt.Errorf("starting backend: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	channel, err := r.opener.Open(sessionCtx)
	if err != nil {
		cancel()
		r.stopBackend(logger)
		r.releaseDevice(logger)
		r.isRunning.Store(false)
		return uuid.Nil, fmt.Errorf("opening stream: %w", err)
	}

	done := make(chan struct{})

	r.mu.Lock()
	r.id = id
	r.channel = channel
	r.cancel = cancel
	r.done = done
	r.stopErr = nil
	r.mu.Unlock()

	logger.Info("session started", zap.String("mode", string(channel.Mode())))

	go r.run(sessionCtx, cancel, id, channel, done, logger)

	return id, nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, id uuid.UUID, channel *transport.Channel, done chan struct{}, logger *zap.Logger) {
	err := r.handler(ctx, channel.Messages())

	switch {
	case ctx.Err() != nil:
		err = nil // explicit stop
	case err == nil:
		// the stream ended on its own
		err = channel.Err()
		if err == nil {
			err = transport.ErrClosed
		}
	}
	cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}

	if cErr := channel.Close(); cErr != nil {
		errs = append(errs, cErr)
	}
	r.stopBackend(logger)
	r.releaseDevice(logger)

	r.mu.Lock()
	r.channel = nil
	r.cancel = nil
	r.stopErr = errors.Join(errs...)
	r.mu.Unlock()

	r.isRunning.Store(false)
	close(done)

	if err != nil {
		logger.Warn("session ended", zap.Error(err))
	} else {
		logger.Info("session stopped")
	}

	if r.onStopped != nil {
		r.onStopped(Result{ID: id, Err: err})
	}
}

// Stop ends the running session and waits for its cleanup.
// Stopping a stopped runner is not an error.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

// Send forwards a control message on the session stream.
func (r *Runner) Send(ctx context.Context, msg telemetry.Control) (telemetry.Ack, error) {
	r.mu.Lock()
	channel := r.channel
	r.mu.Unlock()

	if channel == nil {
		return telemetry.Ack{}, ErrNotRunning
	}
	return channel.Send(ctx, msg)
}

// IsRunning returns true while a session is active or cleaning up
func (r *Runner) IsRunning() bool {
	return r.isRunning.Load()
}

// Mode reports the transport mode of the running session.
func (r *Runner) Mode() (transport.Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		return "", false
	}
	return r.channel.Mode(), true
}

// ID returns the id of the current or last session.
func (r *Runner) ID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Runner) stopBackend(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.backend.Stop(ctx); err != nil {
		logger.Warn("stopping backend", zap.Error(err))
	}
}

func (r *Runner) releaseDevice(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.reserver.Release(ctx, r.purpose); err != nil {
		logger.Warn("releasing device", zap.Error(err))
	}
}
