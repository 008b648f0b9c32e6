package transport

import (
	"context"
	"errors"

	"github.com/roman-kulish/listening-post/internal/telemetry"
)

// Mode is the kind of connection a Channel selected when it was opened.
type Mode string

const (
	ModeDuplex   Mode = "duplex"
	ModeFallback Mode = "fallback"
)

// State is the connection state of a Channel.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateError      State = "error"
)

var (
	// ErrClosed is returned when using a closed transport or channel
	ErrClosed = errors.New("transport closed")

	// ErrUnavailable is returned by a dialer that cannot serve the consumer,
	// e.g. the backend has no duplex endpoint for this hardware type
	ErrUnavailable = errors.New("transport unavailable")

	// ErrNotConnected is returned by Send while the channel is reconnecting
	ErrNotConnected = errors.New("transport not connected")

	// ErrReconnectsExhausted is reported when the reconnect limit is reached
	ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// Kind tells text (JSON) payloads from binary frames.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBinary
)

// Message is a single payload delivered by a transport.
type Message struct {
	Kind  Kind
	Event string // SSE event name or "status" for poll results, empty for duplex
	Data  []byte
}

// StreamTransport is one established connection to the backend.
type StreamTransport interface {
	// Mode reports the variant of the transport.
	Mode() Mode

	// Receive delivers messages to out until ctx is done or the connection ends.
	// It returns nil only when ctx is done.
	Receive(ctx context.Context, out chan<- Message) error

	// Send delivers a control message and waits for its acknowledgement.
	// A backend refusal is reported as an Ack with AckError status, not as an error.
	Send(ctx context.Context, msg telemetry.Control) (telemetry.Ack, error)

	Close() error
}

// Dialer establishes a StreamTransport. The context passed to Dial bounds the
// whole lifetime of the returned transport, not just the handshake.
type Dialer interface {
	Dial(ctx context.Context) (StreamTransport, error)
	Mode() Mode
}
