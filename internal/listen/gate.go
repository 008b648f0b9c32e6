package listen

import (
	"context"
	"errors"
	"sync"

	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/spectrum"
)

var (
	// ErrSuperseded is delivered to a waiting request replaced by a newer one
	ErrSuperseded = errors.New("request superseded")

	// ErrClosed is returned once the coordinator is closed
	ErrClosed = errors.New("listen coordinator closed")
)

type action uint8

const (
	actionListen action = iota + 1
	actionStop
)

func (a action) String() string {
	if a == actionStop {
		return "stop"
	}
	return "listen"
}

type request struct {
	action action
	params spectrum.ListenParams
	done   chan error
}

func newRequest(a action, p spectrum.ListenParams) *request {
	return &request{action: a, params: p, done: make(chan error, 1)}
}

// gate runs requests one at a time. It holds at most one waiting request and a
// newer arrival replaces it, so a burst collapses into the request in flight
// plus the latest one.
type gate struct {
	exec    func(*request) error
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	pending *request
	idle    chan struct{}
	closed  bool
}

func newGate(exec func(*request) error, m *metrics.Metrics) *gate {
	idle := make(chan struct{})
	close(idle)
	return &gate{exec: exec, metrics: m, idle: idle}
}

// Submit schedules r. The outcome is delivered on r.done.
func (g *gate) Submit(r *request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		r.done <- ErrClosed
	case g.running:
		if g.pending != nil {
			g.pending.done <- ErrSuperseded
			g.metrics.Restart("coalesced")
		}
		g.pending = r
	default:
		g.running = true
		g.idle = make(chan struct{})
		go g.drain(r, g.idle)
	}
}

func (g *gate) drain(r *request, idle chan struct{}) {
	for r != nil {
		r.done <- g.exec(r)

		g.mu.Lock()
		r, g.pending = g.pending, nil
		if r == nil {
			g.running = false
			close(idle)
		}
		g.mu.Unlock()
	}
}

// Wait blocks until no request is running or waiting.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects the waiting request and every later one, then waits for the
// request in flight.
func (g *gate) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	if g.pending != nil {
		g.pending.done <- ErrClosed
		g.pending = nil
	}
	g.mu.Unlock()

	return g.Wait(ctx)
}
