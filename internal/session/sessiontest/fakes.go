// Package sessiontest provides in-memory consumers for testing session owners.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/transport"
)

// ErrStreamReset is returned by Pipe.Receive once its input is closed.
var ErrStreamReset = errors.New("stream reset")

// Reserver counts reservations and releases of a single claim.
type Reserver struct {
	mu       sync.Mutex
	held     bool
	reserves int
	releases int
	Err      error
}

func (r *Reserver) Reserve(context.Context, string, device.Purpose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.reserves++
	r.held = true
	return nil
}

func (r *Reserver) Release(context.Context, device.Purpose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		r.releases++
		r.held = false
	}
	return nil
}

// Counts returns reservations, releases and whether the claim is held.
func (r *Reserver) Counts() (reserves, releases int, held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserves, r.releases, r.held
}

// Backend records start requests.
type Backend struct {
	mu       sync.Mutex
	StartErr error
	requests []control.StartRequest
	stops    int
}

func (b *Backend) Start(_ context.Context, request control.StartRequest) (*control.StartResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, request)
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	return &control.StartResponse{Status: control.StatusStarted}, nil
}

func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *Backend) Requests() []control.StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]control.StartRequest(nil), b.requests...)
}

func (b *Backend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// Pipe is a stream transport fed by the test. Control messages are recorded
// and acknowledged with Ack.
type Pipe struct {
	In chan transport.Message

	mu     sync.Mutex
	sent   []telemetry.Control
	broken bool
	Ack    telemetry.Ack
}

func NewPipe() *Pipe {
	return &Pipe{
		In:  make(chan transport.Message, 64),
		Ack: telemetry.Ack{Status: telemetry.AckStarted},
	}
}

func (p *Pipe) Mode() transport.Mode { return transport.ModeDuplex }

func (p *Pipe) Receive(ctx context.Context, out chan<- transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-p.In:
			if !ok {
				return ErrStreamReset
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Pipe) Send(_ context.Context, msg telemetry.Control) (telemetry.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return p.Ack, nil
}

func (p *Pipe) Sent() []telemetry.Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telemetry.Control(nil), p.sent...)
}

func (p *Pipe) Close() error { return nil }

// Break drops the stream for good: the current Receive fails and redials are refused.
func (p *Pipe) Break() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.broken {
		p.broken = true
		close(p.In)
	}
}

func (p *Pipe) isBroken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

// Text queues a text message.
func (p *Pipe) Text(data string) {
	p.In <- transport.Message{Kind: transport.KindText, Data: []byte(data)}
}

// Binary queues a binary message.
func (p *Pipe) Binary(data []byte) {
	p.In <- transport.Message{Kind: transport.KindBinary, Data: data}
}

// Dialer always hands out the same pipe, or Err when set.
type Dialer struct {
	Pipe *Pipe
	Err  error
}

func (d *Dialer) Mode() transport.Mode { return transport.ModeDuplex }

func (d *Dialer) Dial(context.Context) (transport.StreamTransport, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Pipe.isBroken() {
		return nil, ErrStreamReset
	}
	return d.Pipe, nil
}

// NewOpener returns an opener over d that gives up after one failed reconnect.
func NewOpener(d *Dialer) *transport.Opener {
	return transport.NewOpener("test", d, nil, transport.Config{
		PreferDuplex:     true,
		MaxReconnects:    1,
		ReconnectBackoff: time.Millisecond,
	})
}
