package waterfall

import (
	"context"
	"sync"
	"time"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

// DefaultMaxRowsPerSecond bounds how often rows are rendered
const DefaultMaxRowsPerSecond = 20

// Throttle hands frames to a renderer at most once per interval. It holds a
// single pending frame: a newer frame replaces one that was not rendered yet.
type Throttle struct {
	interval time.Duration

	mu      sync.Mutex
	pending *spectrum.Frame
	ready   chan struct{}
}

func NewThrottle(maxRowsPerSecond int) *Throttle {
	if maxRowsPerSecond <= 0 {
		maxRowsPerSecond = DefaultMaxRowsPerSecond
	}
	return &Throttle{
		interval: time.Second / time.Duration(maxRowsPerSecond),
		ready:    make(chan struct{}, 1),
	}
}

// Offer stores f as the pending frame. It reports whether an unrendered frame
// was replaced.
func (t *Throttle) Offer(f spectrum.Frame) (coalesced bool) {
	t.mu.Lock()
	coalesced = t.pending != nil
	t.pending = &f
	t.mu.Unlock()

	select {
	case t.ready <- struct{}{}:
	default:
	}
	return coalesced
}

// Reset drops the pending frame.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()

	select {
	case <-t.ready:
	default:
	}
}

func (t *Throttle) take() (spectrum.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return spectrum.Frame{}, false
	}
	f := *t.pending
	t.pending = nil
	return f, true
}

// Run calls render with the latest pending frame, no more often than the
// configured rate, until ctx is done.
func (t *Throttle) Run(ctx context.Context, render func(spectrum.Frame)) {
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ready:
		}

		if wait := t.interval - time.Since(last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		f, ok := t.take()
		if !ok {
			continue
		}
		last = time.Now()
		render(f)
	}
}
