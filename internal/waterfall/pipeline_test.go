package waterfall

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPipeline(t *testing.T, options ...func(p *Pipeline)) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{Width: 640, Height: 16, MaxRowsPerSecond: 1000}, options...)
	require.NoError(t, err)
	return p
}

func TestThrottle_Coalesces(t *testing.T) {
	th := NewThrottle(1000)

	assert.False(t, th.Offer(spectrum.Frame{Bins: []byte{1}}))
	assert.True(t, th.Offer(spectrum.Frame{Bins: []byte{2}}))
	assert.True(t, th.Offer(spectrum.Frame{Bins: []byte{3}}))

	ctx, cancel := context.WithCancel(context.Background())
	rendered := make(chan spectrum.Frame, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.Run(ctx, func(f spectrum.Frame) { rendered <- f })
	}()

	select {
	case f := <-rendered:
		assert.Equal(t, []byte{3}, f.Bins)
	case <-time.After(time.Second):
		t.Fatal("nothing rendered")
	}

	cancel()
	<-done
	assert.Empty(t, rendered)
}

func TestThrottle_Rate(t *testing.T) {
	th := NewThrottle(10)

	ctx, cancel := context.WithCancel(context.Background())

	var stamps []time.Time
	rendered := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.Run(ctx, func(spectrum.Frame) {
			stamps = append(stamps, time.Now())
			rendered <- struct{}{}
		})
	}()

	for range 2 {
		th.Offer(spectrum.Frame{Bins: []byte{1}})
		<-rendered
	}
	cancel()
	<-done

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 90*time.Millisecond)
}

func TestPipeline_TruncatedFrameLeavesStateUntouched(t *testing.T) {
	m := metrics.New()
	p := newTestPipeline(t, WithPipelineMetrics(m))

	good, err := DecodeFrame(EncodeFrame(testFrame(64)))
	require.NoError(t, err)
	p.Render(good)
	before := p.Snapshot()

	data := EncodeFrame(testFrame(64))
	err = p.Ingest(transport.Message{Kind: transport.KindBinary, Data: data[:len(data)-1]})
	assert.ErrorIs(t, err, ErrTruncatedFrame)

	_, pending := p.throttle.take()
	assert.False(t, pending, "dropped frame never reaches the renderer")

	after := p.Snapshot()
	assert.Equal(t, before.Raster.Pix, after.Raster.Pix)
	assert.Equal(t, before.Rows, after.Rows)
	assert.Same(t, before.Trace, after.Trace)
	expected := `
# HELP listenpost_waterfall_frames_dropped_total Waterfall frames dropped by reason
# TYPE listenpost_waterfall_frames_dropped_total counter
listenpost_waterfall_frames_dropped_total{reason="truncated"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "listenpost_waterfall_frames_dropped_total"))
}

func TestPipeline_InvalidRangeDropped(t *testing.T) {
	m := metrics.New()
	p := newTestPipeline(t, WithPipelineMetrics(m))

	err := p.Ingest(transport.Message{Kind: transport.KindText, Data: []byte(`{"type":"spectrum","start":2e6,"end":1e6,"bins":[-90,-30]}`)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, pending := p.throttle.take()
	assert.False(t, pending)

	expected := `
# HELP listenpost_waterfall_frames_dropped_total Waterfall frames dropped by reason
# TYPE listenpost_waterfall_frames_dropped_total counter
listenpost_waterfall_frames_dropped_total{reason="invalid_range"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "listenpost_waterfall_frames_dropped_total"))
}

func TestPipeline_RendersTinySpan(t *testing.T) {
	p := newTestPipeline(t)

	// one float64 ulp above 1 GHz
	require.NoError(t, p.Ingest(transport.Message{Kind: transport.KindText, Data: []byte(`{"type":"spectrum","start":1e9,"end":1000000000.0000001,"bins":[-90,-30]}`)}))
	f, ok := p.throttle.take()
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Render(f)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("render did not return")
	}
	assert.Equal(t, 1, p.Rows())
}

func TestPipeline_ResetDropsPendingFrame(t *testing.T) {
	rows := make(chan spectrum.Frame, 4)
	p := newTestPipeline(t, WithOnRow(func(f spectrum.Frame) { rows <- f }))

	require.NoError(t, p.Ingest(transport.Message{Kind: transport.KindBinary, Data: EncodeFrame(testFrame(64))}))
	p.Reset()

	_, pending := p.throttle.take()
	assert.False(t, pending)

	ctx, cancel := context.WithCancel(context.Background())
	messages := make(chan transport.Message)
	done := make(chan error)
	go func() { done <- p.Run(ctx, messages) }()

	select {
	case <-rows:
		t.Fatal("frame offered before Reset was rendered")
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	<-done
	assert.Zero(t, p.Rows())
}

func TestPipeline_Run(t *testing.T) {
	rows := make(chan spectrum.Frame, 16)
	p := newTestPipeline(t, WithOnRow(func(f spectrum.Frame) { rows <- f }))

	messages := make(chan transport.Message, 4)
	done := make(chan error)
	go func() { done <- p.Run(context.Background(), messages) }()

	messages <- transport.Message{Kind: transport.KindBinary, Data: EncodeFrame(testFrame(64))}
	select {
	case <-rows:
	case <-time.After(time.Second):
		t.Fatal("binary frame not rendered")
	}

	messages <- transport.Message{Kind: transport.KindText, Data: []byte(`{"type":"spectrum","start":1e6,"end":2e6,"bins":[-90,-30]}`)}
	select {
	case f := <-rows:
		assert.Equal(t, []byte{0, 255}, f.Bins)
		assert.Equal(t, 2e6, f.EndFrequency)
	case <-time.After(time.Second):
		t.Fatal("fallback spectrum not rendered")
	}

	messages <- transport.Message{Kind: transport.KindText, Data: []byte(`{"type":"freq_change","frequency":1}`)}
	close(messages)
	require.NoError(t, <-done)

	snap := p.Snapshot()
	assert.Equal(t, 2, snap.Rows)
	require.NotNil(t, snap.Trace)
	assert.Equal(t, 1e6, snap.StartFrequency)

	p.Reset()
	assert.Zero(t, p.Rows())
	assert.Nil(t, p.Trace())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Theme = "sepia"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Width = 1
	assert.Error(t, cfg.Validate())
}
