package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Notifier is the user-facing notification surface. Notify is fire-and-forget.
type Notifier interface {
	Notify(title, message string)
}

// Func adapts a function to the Notifier interface.
type Func func(title, message string)

func (f Func) Notify(title, message string) {
	f(title, message)
}

// Logger is a Notifier that writes notifications to the log.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.With(zap.String("component", "notify"))}
}

func (l *Logger) Notify(title, message string) {
	l.logger.Warn(title, zap.String("message", message))
}

// Once forwards only the first notification until Reset is called.
type Once struct {
	next Notifier

	mu   sync.Mutex
	sent bool
}

func NewOnce(next Notifier) *Once {
	return &Once{next: next}
}

// Notify forwards the notification unless one was already sent.
func (o *Once) Notify(title, message string) {
	o.mu.Lock()
	if o.sent {
		o.mu.Unlock()
		return
	}
	o.sent = true
	o.mu.Unlock()

	o.next.Notify(title, message)
}

func (o *Once) Reset() {
	o.mu.Lock()
	o.sent = false
	o.mu.Unlock()
}

// Recorder keeps every notification, for tests and the operator API.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

type Entry struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (r *Recorder) Notify(title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Title: title, Message: message})
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(title, message string) {
	for _, n := range m {
		n.Notify(title, message)
	}
}
