package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/telemetry"
)

const (
	DefaultReconnectBackoff = 2 * time.Second

	messageBuffer = 64
)

// Config controls transport selection and reconnection.
type Config struct {
	PreferDuplex     bool
	ReconnectBackoff time.Duration // fixed delay between reconnect attempts
	MaxReconnects    int           // consecutive failed attempts before giving up, 0 for unlimited
}

// WithLogger sets the logger for the opener and its channels
func WithLogger(logger *zap.Logger) func(o *Opener) {
	return func(o *Opener) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) func(o *Opener) {
	return func(o *Opener) {
		o.metrics = m
	}
}

// Opener selects a transport strategy for one consumer and opens channels with it.
type Opener struct {
	consumer string
	duplex   Dialer
	fallback Dialer
	config   Config

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOpener creates an opener for consumer. Either dialer may be nil.
func NewOpener(consumer string, duplex, fallback Dialer, config Config, options ...func(o *Opener)) *Opener {
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = DefaultReconnectBackoff
	}

	o := Opener{
		consumer: consumer,
		duplex:   duplex,
		fallback: fallback,
		config:   config,
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(&o)
	}

	o.logger = o.logger.With(zap.String("component", "transport"), zap.String("consumer", consumer))
	return &o
}

// Open connects using the duplex dialer when preferred and available, otherwise the
// fallback pair. The selected strategy is kept for every reconnect of the channel.
// The channel lives until Close is called or ctx is done.
func (o *Opener) Open(ctx context.Context) (*Channel, error) {
	var errs []error

	for _, dialer := range o.candidates() {
		t, err := dialer.Dial(ctx)
		if err != nil {
			o.logger.Info("transport unavailable",
				zap.String("mode", string(dialer.Mode())),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		return newChannel(ctx, o, dialer, t), nil
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no dialer configured", ErrUnavailable)
	}
	return nil, fmt.Errorf("opening %s channel: %w", o.consumer, errors.Join(errs...))
}

func (o *Opener) candidates() []Dialer {
	var dialers []Dialer
	if o.config.PreferDuplex && o.duplex != nil {
		dialers = append(dialers, o.duplex)
	}
	if o.fallback != nil {
		dialers = append(dialers, o.fallback)
	}
	if !o.config.PreferDuplex && o.duplex != nil {
		dialers = append(dialers, o.duplex)
	}
	return dialers
}

// Channel is an open connection for one consumer. It reconnects with a fixed
// backoff after an unexpected closure and closes Messages when it gives up or is
// closed, so the consumer observes a lost connection the same way as a stop.
type Channel struct {
	consumer string
	dialer   Dialer
	config   Config

	messages chan Message

	mu      sync.Mutex
	current StreamTransport
	state   State
	err     error

	cancel context.CancelFunc
	done   chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newChannel(ctx context.Context, o *Opener, dialer Dialer, t StreamTransport) *Channel {
	ctx, cancel := context.WithCancel(ctx)

	c := &Channel{
		consumer: o.consumer,
		dialer:   dialer,
		config:   o.config,
		messages: make(chan Message, messageBuffer),
		current:  t,
		state:    StateOpen,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   o.logger.With(zap.String("mode", string(dialer.Mode()))),
		metrics:  o.metrics,
	}

	c.metrics.TransportOpened(c.consumer, string(dialer.Mode()))
	c.logger.Info("channel open")

	go c.run(ctx, t)
	return c
}

// Mode reports the strategy selected at open time.
func (c *Channel) Mode() Mode {
	return c.dialer.Mode()
}

// Messages is closed when the channel stops for good.
func (c *Channel) Messages() <-chan Message {
	return c.messages
}

// Done is closed after the channel stops and Messages is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error once the channel is done, nil after an explicit Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send delivers a control message over the current connection.
func (c *Channel) Send(ctx context.Context, msg telemetry.Control) (telemetry.Ack, error) {
	c.mu.Lock()
	t, state := c.current, c.state
	c.mu.Unlock()

	switch {
	case state == StateClosed || state == StateError:
		return telemetry.Ack{}, ErrClosed
	case t == nil:
		return telemetry.Ack{}, ErrNotConnected
	}
	return t.Send(ctx, msg)
}

// Close stops the channel, cancels any pending reconnect and waits for the run loop.
func (c *Channel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Channel) setState(state State, t StreamTransport) {
	c.mu.Lock()
	c.state = state
	c.current = t
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context, t StreamTransport) {
	var finalErr error

	defer func() {
		c.mu.Lock()
		c.current = nil
		c.err = finalErr
		if finalErr != nil {
			c.state = StateError
		} else {
			c.state = StateClosed
		}
		c.mu.Unlock()

		c.metrics.TransportClosed(c.consumer, string(c.dialer.Mode()))
		c.logger.Info("channel closed", zap.Error(finalErr))

		close(c.messages)
		close(c.done)
	}()

	failures := 0
	for {
		if t != nil {
			err := t.Receive(ctx, c.messages)
			_ = t.Close()
			t = nil

			if ctx.Err() != nil {
				return
			}

			c.logger.Warn("connection lost", zap.Error(err))
			c.setState(StateConnecting, nil)
		}

		if c.config.MaxReconnects > 0 && failures >= c.config.MaxReconnects {
			finalErr = ErrReconnectsExhausted
			return
		}

		timer := time.NewTimer(c.config.ReconnectBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.metrics.Reconnect(c.consumer)

		var err error
		if t, err = c.dialer.Dial(ctx); err != nil {
			failures++
			c.logger.Debug("reconnect failed", zap.Int("attempt", failures), zap.Error(err))
			t = nil
			continue
		}

		failures = 0
		c.setState(StateOpen, t)
		c.logger.Info("reconnected")
	}
}
