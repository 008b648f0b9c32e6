package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/telemetry"
)

const (
	DefaultPollInterval = 2500 * time.Millisecond

	// StatusEvent is the event name of messages produced by the poller
	StatusEvent = "status"

	maxEventSize = 1 << 20
)

// FallbackDialer opens the one-way event stream and pairs it with a status poller.
// Control messages are mapped onto the REST start/stop calls.
type FallbackDialer struct {
	Client       *req.Client // must not carry a request timeout, the stream is long-lived
	EventsPath   string
	Control      *control.Client
	PollInterval time.Duration
	Logger       *zap.Logger
}

func (d *FallbackDialer) Mode() Mode {
	return ModeFallback
}

func (d *FallbackDialer) Dial(ctx context.Context) (StreamTransport, error) {
	if d.Client == nil || d.EventsPath == "" {
		return nil, fmt.Errorf("%w: no event stream endpoint", ErrUnavailable)
	}

	resp, err := d.Client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		DisableAutoReadResponse().
		Get(d.EventsPath)
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	if !resp.IsSuccessState() {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opening event stream: status %d", resp.StatusCode)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &fallback{
		body:         resp.Body,
		control:      d.Control,
		pollInterval: interval,
		logger:       logger,
	}, nil
}

type fallback struct {
	body         io.ReadCloser
	control      *control.Client
	pollInterval time.Duration

	closeOnce sync.Once
	logger    *zap.Logger
}

func (f *fallback) Mode() Mode {
	return ModeFallback
}

func (f *fallback) Receive(ctx context.Context, out chan<- Message) error {
	defer f.Close()

	events := make(chan Message)
	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		readErr <- readEvents(f.body, events, stop)
	}()

	shutdown := func() {
		close(stop)
		_ = f.Close() // unblocks the reader
		<-readErr
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	var lastState []byte
	for {
		var msg Message

		select {
		case <-ctx.Done():
			shutdown()
			return nil

		case err := <-readErr:
			if err == nil || errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("reading event stream: %w", err)

		case msg = <-events:
			// only state samples are repeated on a failed poll
			if msg.Kind == KindText && telemetry.IsStateSample(msg.Data) {
				lastState = msg.Data
			}

		case <-ticker.C:
			if f.control == nil {
				continue
			}
			data, err := f.control.Status(ctx)
			switch {
			case err == nil:
				lastState = data
			case lastState == nil:
				f.logger.Debug("status poll failed", zap.Error(err))
				continue
			default:
				f.logger.Debug("status poll failed, repeating last state", zap.Error(err))
			}
			msg = Message{Kind: KindText, Event: StatusEvent, Data: lastState}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			shutdown()
			return nil
		}
	}
}

func (f *fallback) Send(ctx context.Context, msg telemetry.Control) (telemetry.Ack, error) {
	if f.control == nil {
		return telemetry.Ack{}, fmt.Errorf("%w: no control endpoint", ErrUnavailable)
	}

	request := control.StartRequest{
		Frequency:  msg.Frequency,
		Modulation: msg.Modulation,
		Gain:       msg.Gain,
		Squelch:    msg.Squelch,
		Device:     msg.Device,
		StartFreq:  msg.StartFreq,
		EndFreq:    msg.EndFreq,
		Step:       msg.Step,
	}

	switch msg.Cmd {
	case telemetry.CommandStop:
		if err := f.control.Stop(ctx); err != nil {
			return ackFromError(err)
		}
		return telemetry.Ack{Status: telemetry.AckStopped}, nil

	case telemetry.CommandTune:
		// the REST surface has no retune, the backend restarts with the new parameters
		if err := f.control.Stop(ctx); err != nil {
			return ackFromError(err)
		}
		fallthrough

	case telemetry.CommandStart:
		if _, err := f.control.Start(ctx, request); err != nil && !errors.Is(err, control.ErrAlreadyRunning) {
			return ackFromError(err)
		}
		return telemetry.Ack{Status: telemetry.AckStarted}, nil

	default:
		return telemetry.Ack{}, fmt.Errorf("unknown command '%s'", msg.Cmd)
	}
}

func (f *fallback) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.body.Close()
	})
	return err
}

func ackFromError(err error) (telemetry.Ack, error) {
	var be *control.BackendError
	if errors.As(err, &be) {
		return telemetry.Ack{Status: telemetry.AckError, Message: be.Message}, nil
	}
	return telemetry.Ack{}, err
}

// readEvents parses a text/event-stream body. Each dispatched event becomes one
// Message; comment lines and retry hints are ignored.
func readEvents(r io.Reader, events chan<- Message, stop <-chan struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var event string
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			if data.Len() > 0 {
				payload := bytes.Clone(bytes.TrimSuffix(data.Bytes(), []byte("\n")))
				select {
				case events <- Message{Kind: KindText, Event: event, Data: payload}:
				case <-stop:
					return nil
				}
			}
			event = ""
			data.Reset()
			continue
		}

		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			event = string(value)
		case "data":
			data.Write(value)
			data.WriteByte('\n')
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
