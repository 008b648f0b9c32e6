package listen

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultRelayBuffer = 32

// Player plays the audio of a listen session.
type Player interface {
	// Play asks for playback to start. It may succeed without audio being heard,
	// Playing reports whether it actually started.
	Play(ctx context.Context) error
	Playing() bool
	Write(p []byte) (int, error)
	Stop()
}

// WithRelayLogger sets the logger for the relay
func WithRelayLogger(logger *zap.Logger) func(r *Relay) {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithRelayBuffer sets the number of chunks queued per listener
func WithRelayBuffer(n int) func(r *Relay) {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// Relay is a Player that fans audio chunks out to attached listeners, such as
// HTTP audio streams. Playback counts as started once the relay is armed and at
// least one listener is attached. A slow listener loses chunks rather than
// stalling the session.
type Relay struct {
	buffer int

	mu        sync.Mutex
	armed     bool
	listeners map[chan []byte]struct{}
	dropped   int

	logger *zap.Logger
}

func NewRelay(options ...func(r *Relay)) *Relay {
	r := Relay{
		buffer:    DefaultRelayBuffer,
		listeners: make(map[chan []byte]struct{}),
		logger:    zap.NewNop(),
	}

	for _, option := range options {
		option(&r)
	}

	r.logger = r.logger.With(zap.String("component", "relay"))
	return &r
}

func (r *Relay) Play(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	return nil
}

func (r *Relay) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed && len(r.listeners) > 0
}

// Write copies p to every listener. It never fails.
func (r *Relay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed || len(r.listeners) == 0 {
		return len(p), nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	for ch := range r.listeners {
		select {
		case ch <- chunk:
		default:
			r.dropped++
		}
	}
	return len(p), nil
}

// Stop disarms the relay. Attached listeners stay attached for the next session.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped > 0 {
		r.logger.Debug("audio chunks dropped", zap.Int("count", r.dropped))
	}
	r.armed = false
	r.dropped = 0
}

// Attach registers a listener. The returned function detaches it and closes the channel.
func (r *Relay) Attach() (<-chan []byte, func()) {
	ch := make(chan []byte, r.buffer)

	r.mu.Lock()
	r.listeners[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}
