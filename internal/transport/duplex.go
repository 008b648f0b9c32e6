package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/telemetry"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxMessageSize      = 1 << 20
)

// DuplexDialer connects a websocket duplex transport.
type DuplexDialer struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

func (d *DuplexDialer) Mode() Mode {
	return ModeDuplex
}

func (d *DuplexDialer) Dial(ctx context.Context) (StreamTransport, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("%w: no duplex endpoint", ErrUnavailable)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pingInterval := d.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	conn.SetReadLimit(maxMessageSize)

	return &duplex{
		conn:         conn,
		pingInterval: pingInterval,
		acks:         make(chan telemetry.Ack, 1),
		done:         make(chan struct{}),
		logger:       logger,
	}, nil
}

type duplex struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	writeMu sync.Mutex
	sendMu  sync.Mutex
	acks    chan telemetry.Ack

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

func (d *duplex) Mode() Mode {
	return ModeDuplex
}

func (d *duplex) Receive(ctx context.Context, out chan<- Message) error {
	defer d.Close()

	readTimeout := 2 * d.pingInterval
	_ = d.conn.SetReadDeadline(time.Now().Add(readTimeout))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		ticker := time.NewTicker(d.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.Close() // unblocks ReadMessage
				return
			case <-stopped:
				return
			case <-ticker.C:
				d.writeMu.Lock()
				err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
				d.writeMu.Unlock()
				if err != nil {
					d.logger.Debug("ping failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return fmt.Errorf("reading: %w", err)
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg Message
		switch msgType {
		case websocket.BinaryMessage:
			msg = Message{Kind: KindBinary, Data: data}

		case websocket.TextMessage:
			if ack, ok := telemetry.DecodeAck(data); ok {
				select {
				case d.acks <- ack:
				default:
					d.logger.Debug("unsolicited ack dropped", zap.String("status", string(ack.Status)))
				}
				continue
			}
			msg = Message{Kind: KindText, Data: data}

		default:
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *duplex) Send(ctx context.Context, msg telemetry.Control) (telemetry.Ack, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	// drop an ack left over from a request that timed out
	select {
	case <-d.acks:
	default:
	}

	d.writeMu.Lock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	err := d.conn.WriteJSON(msg)
	d.writeMu.Unlock()
	if err != nil {
		return telemetry.Ack{}, fmt.Errorf("writing %s: %w", msg.Cmd, err)
	}

	select {
	case ack := <-d.acks:
		return ack, nil
	case <-d.done:
		return telemetry.Ack{}, ErrClosed
	case <-ctx.Done():
		return telemetry.Ack{}, ctx.Err()
	}
}

func (d *duplex) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)

		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		d.writeMu.Unlock()

		if cErr := d.conn.Close(); cErr != nil && !errors.Is(cErr, net.ErrClosed) {
			err = cErr
		}
	})
	return err
}
