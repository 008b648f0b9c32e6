package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/notify"
	"github.com/roman-kulish/listening-post/internal/scan"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeScanner struct {
	err      error
	started  []spectrum.Range
	progress chan scan.Snapshot
}

func (f *fakeScanner) Start(_ context.Context, rng spectrum.Range) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.started = append(f.started, rng)
	return uuid.New(), nil
}

func (f *fakeScanner) Stop(context.Context) error { return nil }

func (f *fakeScanner) Status() scan.Status {
	return scan.Status{Progress: scan.Snapshot{TotalSteps: 760}}
}

func (f *fakeScanner) Subscribe() (<-chan scan.Snapshot, func()) {
	return f.progress, func() {}
}

type fakeWaterfall struct {
	pipeline *waterfall.Pipeline
}

func (f *fakeWaterfall) Start(context.Context, spectrum.Range) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (f *fakeWaterfall) Stop(context.Context) error { return nil }

func (f *fakeWaterfall) Status() waterfall.Status {
	return waterfall.Status{Rows: f.pipeline.Rows()}
}

func (f *fakeWaterfall) Snapshot() waterfall.Snapshot {
	return f.pipeline.Snapshot()
}

type fakeListener struct {
	mu        sync.Mutex
	requests  []spectrum.ListenParams
	immediate []bool
	unlockErr error
	listenErr error
}

func (f *fakeListener) RequestListen(_ context.Context, p spectrum.ListenParams, immediate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.requests = append(f.requests, p)
	f.immediate = append(f.immediate, immediate)
	return nil
}

func (f *fakeListener) Stop(context.Context) error { return nil }

func (f *fakeListener) Unlock(context.Context) error { return f.unlockErr }

func (f *fakeListener) Status() listen.Status {
	return listen.Status{State: listen.StateListening}
}

type fixture struct {
	scanner  *fakeScanner
	wf       *fakeWaterfall
	listener *fakeListener
	registry *device.Registry
	relay    *listen.Relay
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pipeline, err := waterfall.NewPipeline(waterfall.Config{Width: 64, Height: 8, MaxRowsPerSecond: 10})
	require.NoError(t, err)
	renderer, err := waterfall.NewRenderer(waterfall.RenderConfig{Location: time.UTC})
	require.NoError(t, err)

	f := &fixture{
		scanner:  &fakeScanner{progress: make(chan scan.Snapshot, 1)},
		wf:       &fakeWaterfall{pipeline: pipeline},
		listener: &fakeListener{},
		registry: device.NewRegistry(),
		relay:    listen.NewRelay(),
	}

	srv := NewServer("", f.scanner, f.wf, f.listener, f.registry,
		WithAudio(f.relay),
		WithRenderer(renderer),
		WithMetrics(metrics.New()),
		WithNotifications(&notify.Recorder{}))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestScanStart(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "airband", body: `{"start":118e6,"end":137e6,"step":25e3}`, wantCode: http.StatusOK},
		{name: "missing step", body: `{"start":118e6,"end":137e6}`, wantCode: http.StatusBadRequest},
		{name: "inverted", body: `{"start":137e6,"end":118e6,"step":25e3}`, wantCode: http.StatusBadRequest},
		{name: "device busy", body: `{"start":118e6,"end":137e6,"step":25e3}`, err: device.ErrDeviceBusy, wantCode: http.StatusConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.scanner.err = tc.err

			w := f.do(http.MethodPost, "/api/scan", tc.body)
			assert.Equal(t, tc.wantCode, w.Code)

			switch tc.wantCode {
			case http.StatusOK:
				assert.EqualValues(t, 760, decode(t, w)["steps"])
				require.Len(t, f.scanner.started, 1)
			case http.StatusConflict:
				assert.Equal(t, true, decode(t, w)["retryable"])
			}
		})
	}
}

func TestListen(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/listen", `{"frequency":118.1e6,"modulation":"am","squelch":20}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPatch, "/api/listen", `{"frequency":118.2e6,"modulation":"am"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodPatch, "/api/listen", `{"frequency":118.3e6,"modulation":"am","immediate":true}`)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []bool{true, false, true}, f.listener.immediate)
	assert.Equal(t, 118.3e6, f.listener.requests[2].Frequency)

	w = f.do(http.MethodPost, "/api/listen", `{"frequency":118.1e6,"modulation":"cw"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.listener.unlockErr = listen.ErrPlaybackBlocked
	w = f.do(http.MethodPost, "/api/listen/unlock", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodDelete, "/api/listen", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestListen_BusyReportsHolder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Reserve(context.Background(), "rtl0", device.PurposeWaterfall))

	err := f.registry.Reserve(context.Background(), "rtl0", device.PurposeListen)
	require.ErrorIs(t, err, device.ErrDeviceBusy)
	f.listener.listenErr = err

	w := f.do(http.MethodPost, "/api/listen", `{"frequency":118.1e6,"modulation":"am"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	holder, ok := decode(t, w)["holder"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "waterfall", holder["purpose"])
}

func TestDevice(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, false, decode(t, f.do(http.MethodGet, "/api/device", ""))["held"])

	require.NoError(t, f.registry.Reserve(context.Background(), "rtl0", device.PurposeScan))
	body := decode(t, f.do(http.MethodGet, "/api/device", ""))
	assert.Equal(t, true, body["held"])
}

func TestWaterfallImage(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/waterfall.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	bins := make([]byte, 32)
	for i := range bins {
		bins[i] = byte(i * 8)
	}
	f.wf.pipeline.Render(spectrum.Frame{
		Timestamp:      time.Now(),
		StartFrequency: 144e6,
		EndFrequency:   146e6,
		Bins:           bins,
	})

	w = f.do(http.MethodGet, "/api/waterfall.png", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	assert.EqualValues(t, 1, decode(t, f.do(http.MethodGet, "/api/waterfall", ""))["rows"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "listenpost_")
}

func TestScanEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/scan/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.scanner.progress <- scan.Snapshot{TotalSteps: 760, CycleCount: 1, FreqsScanned: 760}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(events) < 2 {
		if data, ok := strings.CutPrefix(scanner.Text(), "data:"); ok {
			events = append(events, data)
		}
	}

	require.Len(t, events, 2)
	assert.Contains(t, events[1], `"cycleCount":1`)
}

func TestListenAudio(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/listen/audio", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, f.relay.Play(context.Background()))
	require.Eventually(t, f.relay.Playing, 2*time.Second, 5*time.Millisecond)
	_, _ = f.relay.Write([]byte("pcm!"))

	buf := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "pcm!", string(buf))
}
