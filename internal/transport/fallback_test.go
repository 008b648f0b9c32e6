package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type sseBackend struct {
	url        string
	starts     atomic.Int32
	stops      atomic.Int32
	statusFail atomic.Bool
}

func newSSEBackend(t *testing.T, events []string) *sseBackend {
	t.Helper()

	b := &sseBackend{}

	r := gin.New()
	r.GET("/scan/stream", func(c *gin.Context) {
		for _, ev := range events {
			c.SSEvent("message", ev)
			c.Writer.Flush()
		}
		<-c.Request.Context().Done()
	})
	r.GET("/scan/status", func(c *gin.Context) {
		if b.statusFail.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"type": "status", "running": true, "frequency": 118e6})
	})
	r.POST("/scan/start", func(c *gin.Context) {
		b.starts.Add(1)
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})
	r.POST("/scan/stop", func(c *gin.Context) {
		b.stops.Add(1)
		c.JSON(http.StatusOK, gin.H{})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	b.url = srv.URL
	return b
}

func (b *sseBackend) dialer(pollInterval time.Duration) *FallbackDialer {
	endpoint := control.Endpoint{Start: "/scan/start", Stop: "/scan/stop", Status: "/scan/status"}
	return &FallbackDialer{
		Client:       req.C().SetBaseURL(b.url),
		EventsPath:   "/scan/stream",
		Control:      control.New(b.url, endpoint, control.WithRetryCount(0)),
		PollInterval: pollInterval,
	}
}

func nextEvent(t *testing.T, out <-chan Message, event string) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-out:
			if m.Event == event {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s event received", event)
			return Message{}
		}
	}
}

func TestFallback_EventsAndPoll(t *testing.T) {
	b := newSSEBackend(t, []string{
		`{"type":"freq_change","frequency":118000000}`,
		`{"type":"freq_change","frequency":118025000}`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := b.dialer(50 * time.Millisecond).Dial(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, tr.Mode())

	out := make(chan Message, 16)
	received := make(chan error, 1)
	go func() { received <- tr.Receive(ctx, out) }()

	first := nextEvent(t, out, "message")
	assert.JSONEq(t, `{"type":"freq_change","frequency":118000000}`, string(first.Data))
	second := nextEvent(t, out, "message")
	assert.Contains(t, string(second.Data), "118025000")

	var status Message
	require.Eventually(t, func() bool {
		select {
		case status = <-out:
			return status.Event == StatusEvent
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(status.Data), `"running":true`)

	// a failing poll repeats the last known state instead of going silent
	b.statusFail.Store(true)
	var repeated Message
	require.Eventually(t, func() bool {
		select {
		case repeated = <-out:
			return repeated.Event == StatusEvent
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, status.Data, repeated.Data)

	cancel()
	select {
	case err = <-received:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestFallback_FailedPollSkipsOneShotEvents(t *testing.T) {
	freqChange := `{"type":"freq_change","frequency":136975000}`
	b := newSSEBackend(t, []string{
		freqChange,
		`{"type":"log","log_type":"scan_cycle"}`,
	})
	b.statusFail.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := b.dialer(20 * time.Millisecond).Dial(ctx)
	require.NoError(t, err)

	out := make(chan Message, 16)
	received := make(chan error, 1)
	go func() { received <- tr.Receive(ctx, out) }()

	var cycles int
	timeout := time.After(3 * time.Second)
	for statuses := 0; statuses < 4; {
		select {
		case m := <-out:
			switch {
			case m.Event == StatusEvent:
				assert.JSONEq(t, freqChange, string(m.Data))
				statuses++
			case strings.Contains(string(m.Data), "scan_cycle"):
				cycles++
			}
		case <-timeout:
			t.Fatal("no repeated status received")
		}
	}
	assert.Equal(t, 1, cycles)

	cancel()
	select {
	case err = <-received:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestFallback_SendMapsToREST(t *testing.T) {
	b := newSSEBackend(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := b.dialer(time.Hour).Dial(ctx)
	require.NoError(t, err)
	defer tr.Close()

	ack, err := tr.Send(ctx, telemetry.Control{Cmd: telemetry.CommandStart, StartFreq: 118e6, EndFreq: 137e6, Step: 25e3})
	require.NoError(t, err)
	assert.Equal(t, telemetry.AckStarted, ack.Status)

	ack, err = tr.Send(ctx, telemetry.Control{Cmd: telemetry.CommandTune, Frequency: 121.5e6})
	require.NoError(t, err)
	assert.Equal(t, telemetry.AckStarted, ack.Status)

	ack, err = tr.Send(ctx, telemetry.Control{Cmd: telemetry.CommandStop})
	require.NoError(t, err)
	assert.Equal(t, telemetry.AckStopped, ack.Status)

	assert.Equal(t, int32(2), b.starts.Load())
	assert.Equal(t, int32(2), b.stops.Load())
}

func TestFallbackDialer_Unavailable(t *testing.T) {
	_, err := (&FallbackDialer{}).Dial(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	b := newSSEBackend(t, nil)
	d := b.dialer(time.Second)
	d.EventsPath = "/missing"
	_, err = d.Dial(context.Background())
	assert.Error(t, err)
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"retry: 1000",
		"event: progress",
		"data: {\"a\":1}",
		"",
		"data:line one",
		"data: line two",
		"",
		"",
		"event: empty",
		"",
	}, "\n")

	events := make(chan Message, 4)
	err := readEvents(strings.NewReader(stream), events, make(chan struct{}))
	assert.ErrorIs(t, err, io.EOF)
	close(events)

	var got []Message
	for m := range events {
		got = append(got, m)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "progress", got[0].Event)
	assert.Equal(t, `{"a":1}`, string(got[0].Data))
	assert.Equal(t, "", got[1].Event)
	assert.Equal(t, "line one\nline two", string(got[1].Data))
}
