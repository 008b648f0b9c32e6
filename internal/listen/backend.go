package listen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/session"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/transport"
)

var (
	// ErrRetuneUnsupported means the parameters can only change with a full restart
	ErrRetuneUnsupported = errors.New("retune requires restart")

	// ErrDecoder is reported when the backend signals a decoder or stream failure
	ErrDecoder = errors.New("backend decoder error")
)

// Backend runs listen sessions on the hardware.
type Backend interface {
	Start(ctx context.Context, p spectrum.ListenParams) (uuid.UUID, error)

	// Retune changes the parameters of the running session in place, or returns
	// ErrRetuneUnsupported.
	Retune(ctx context.Context, p spectrum.ListenParams) error

	// Stop ends the running session. Stopping a stopped backend is not an error.
	Stop(ctx context.Context) error
	Running() bool

	// OnEnded registers fn, called when a session ends without being stopped.
	OnEnded(fn func(id uuid.UUID, err error))
}

// WithStreamLogger sets the logger for the stream backend
func WithStreamLogger(logger *zap.Logger) func(b *StreamBackend) {
	return func(b *StreamBackend) {
		b.logger = logger
	}
}

// StreamBackend is a Backend over a session runner. Audio arrives as binary
// frames and is written to the player, text frames carry backend telemetry.
type StreamBackend struct {
	deviceID string
	runner   *session.Runner
	audio    io.Writer

	mu      sync.Mutex
	current spectrum.ListenParams
	onEnded func(uuid.UUID, error)

	logger *zap.Logger
}

// NewStreamBackend creates a backend for deviceID. Listen parameters naming a
// device override it.
func NewStreamBackend(deviceID string, reserver device.Reserver, backend session.Backend, opener session.Opener, audio io.Writer, options ...func(b *StreamBackend)) *StreamBackend {
	b := StreamBackend{
		deviceID: deviceID,
		audio:    audio,
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(&b)
	}

	b.logger = b.logger.With(zap.String("component", "listen"))
	b.runner = session.NewRunner(device.PurposeListen, reserver, backend, opener, b.handle,
		session.WithLogger(b.logger),
		session.WithOnStopped(b.stopped))
	return &b
}

func (b *StreamBackend) Start(ctx context.Context, p spectrum.ListenParams) (uuid.UUID, error) {
	if p.Device == "" {
		p.Device = b.deviceID
	}

	id, err := b.runner.Start(ctx, p.Device, control.ListenRequest(p))
	if err != nil {
		return uuid.Nil, err
	}

	b.mu.Lock()
	b.current = p
	b.mu.Unlock()
	return id, nil
}

func (b *StreamBackend) Retune(ctx context.Context, p spectrum.ListenParams) error {
	mode, ok := b.runner.Mode()
	if !ok {
		return session.ErrNotRunning
	}

	b.mu.Lock()
	current := b.current
	b.mu.Unlock()

	if p.Device == "" {
		p.Device = current.Device
	}
	if mode != transport.ModeDuplex || p.Device != current.Device {
		return ErrRetuneUnsupported
	}

	ack, err := b.runner.Send(ctx, telemetry.Control{
		Cmd:        telemetry.CommandTune,
		Frequency:  p.Frequency,
		Modulation: string(p.Modulation),
		Gain:       p.Gain,
		Squelch:    p.Squelch,
		Device:     p.Device,
	})
	if err != nil {
		return fmt.Errorf("sending tune: %w", err)
	}
	if ack.Status == telemetry.AckError {
		return &control.BackendError{Status: string(ack.Status), Message: ack.Message}
	}

	b.mu.Lock()
	b.current = p
	b.mu.Unlock()
	return nil
}

// Stop returns only context errors, a failure that ended the session was
// already reported through OnEnded.
func (b *StreamBackend) Stop(ctx context.Context) error {
	if err := b.runner.Stop(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

func (b *StreamBackend) Running() bool {
	return b.runner.IsRunning()
}

func (b *StreamBackend) OnEnded(fn func(uuid.UUID, error)) {
	b.mu.Lock()
	b.onEnded = fn
	b.mu.Unlock()
}

func (b *StreamBackend) handle(ctx context.Context, messages <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := b.process(msg); err != nil {
				return err
			}
		}
	}
}

func (b *StreamBackend) process(msg transport.Message) error {
	if msg.Kind == transport.KindBinary {
		if _, err := b.audio.Write(msg.Data); err != nil {
			b.logger.Debug("audio write failed", zap.Error(err))
		}
		return nil
	}

	ev, err := telemetry.DecodeEvent(msg.Data)
	if err != nil {
		b.logger.Debug("ignoring telemetry", zap.Error(err))
		return nil
	}
	if ev.IsError() {
		return fmt.Errorf("%w: %s", ErrDecoder, ev.Message)
	}
	return nil
}

func (b *StreamBackend) stopped(result session.Result) {
	if result.Err == nil {
		return
	}

	b.mu.Lock()
	fn := b.onEnded
	b.mu.Unlock()

	if fn != nil {
		fn(result.ID, result.Err)
	}
}
