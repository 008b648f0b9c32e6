package waterfall

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/telemetry"
	"github.com/roman-kulish/listening-post/internal/transport"
)

const (
	DefaultWidth  = 1024
	DefaultHeight = 400
)

// Config configures the rendering side of the waterfall.
type Config struct {
	Width            int   `yaml:"width"`
	Height           int   `yaml:"height"`
	MaxRowsPerSecond int   `yaml:"maxRowsPerSecond"`
	Theme            Theme `yaml:"theme"`
}

func DefaultConfig() Config {
	return Config{
		Width:            DefaultWidth,
		Height:           DefaultHeight,
		MaxRowsPerSecond: DefaultMaxRowsPerSecond,
		Theme:            DefaultTheme,
	}
}

func (c *Config) Validate() error {
	if c.Width < 2 || c.Height < 1 {
		return fmt.Errorf("waterfall.Config: invalid raster size %dx%d", c.Width, c.Height)
	}
	if c.MaxRowsPerSecond <= 0 {
		return errors.New("waterfall.Config: maxRowsPerSecond must be positive")
	}
	if _, err := themeFunc(c.Theme); c.Theme != "" && err != nil {
		return fmt.Errorf("waterfall.Config: %w", err)
	}
	return nil
}

// Snapshot is a copy of the rendered state.
type Snapshot struct {
	Raster         *image.RGBA
	Trace          *Trace
	StartFrequency float64
	EndFrequency   float64
	From           time.Time
	To             time.Time
	Rows           int
}

// WithPipelineLogger sets the logger for the pipeline
func WithPipelineLogger(logger *zap.Logger) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPipelineMetrics sets the metrics for the pipeline
func WithPipelineMetrics(m *metrics.Metrics) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithOnRow registers a callback invoked with every rendered frame
func WithOnRow(fn func(spectrum.Frame)) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.onRow = fn
	}
}

// Pipeline decodes frames from either transport, throttles them and feeds the
// scrolling raster and the live trace.
type Pipeline struct {
	config   Config
	throttle *Throttle

	mu     sync.RWMutex
	raster *Raster
	trace  *Trace
	from   time.Time
	to     time.Time

	onRow   func(spectrum.Frame)
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewPipeline(config Config, options ...func(p *Pipeline)) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	palette, err := NewPalette(config.Theme)
	if err != nil {
		return nil, err
	}

	raster, err := NewRaster(config.Width, config.Height, palette)
	if err != nil {
		return nil, err
	}

	p := Pipeline{
		config:   config,
		throttle: NewThrottle(config.MaxRowsPerSecond),
		raster:   raster,
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(&p)
	}

	return &p, nil
}

// Decode turns a stream message into a frame. Binary messages carry quantised
// rows, text messages carry raw magnitudes from the fallback stream.
func Decode(msg transport.Message) (spectrum.Frame, error) {
	if msg.Kind == transport.KindBinary {
		return DecodeFrame(msg.Data)
	}

	ev, err := telemetry.DecodeEvent(msg.Data)
	if err != nil {
		return spectrum.Frame{}, err
	}
	if ev.Type != telemetry.EventSpectrum {
		return spectrum.Frame{}, fmt.Errorf("%w: '%s'", telemetry.ErrUnknownEvent, ev.Type)
	}
	if ev.Start == nil || ev.End == nil {
		return spectrum.Frame{}, fmt.Errorf("%w: spectrum event without range", ErrTruncatedFrame)
	}
	return NormalizeMagnitudes(*ev.Start, *ev.End, ev.Bins)
}

// Ingest decodes msg and offers the frame for rendering. Undecodable messages
// are dropped and leave the rendered state untouched.
func (p *Pipeline) Ingest(msg transport.Message) error {
	f, err := Decode(msg)
	if err != nil {
		p.metrics.FrameDropped(dropReason(err))
		return err
	}

	p.metrics.FrameDecoded()
	if p.throttle.Offer(f) {
		p.metrics.RowCoalesced()
	}
	return nil
}

// Render draws f into the raster and replaces the live trace.
func (p *Pipeline) Render(f spectrum.Frame) {
	trace := NewTrace(f, p.config.Width)

	p.mu.Lock()
	p.raster.Push(f)
	p.trace = &trace
	if p.from.IsZero() {
		p.from = f.Timestamp
	}
	p.to = f.Timestamp
	p.mu.Unlock()

	p.metrics.RowRendered()
	if p.onRow != nil {
		p.onRow(f)
	}
}

// Run consumes messages until the channel is closed or ctx is done. It
// matches session.Handler.
func (p *Pipeline) Run(ctx context.Context, messages <-chan transport.Message) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.throttle.Run(ctx, p.Render)
	}()

	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := p.Ingest(msg); err != nil {
				p.logger.Debug("frame dropped", zap.Error(err))
			}
		}
	}
}

// Reset clears the raster, the trace and any frame not rendered yet.
func (p *Pipeline) Reset() {
	p.throttle.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.raster.Clear()
	p.trace = nil
	p.from, p.to = time.Time{}, time.Time{}
}

// Trace returns the current live trace, nil before the first row.
func (p *Pipeline) Trace() *Trace {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trace
}

// Rows returns the number of rows in the raster.
func (p *Pipeline) Rows() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raster.Rows()
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Raster: p.raster.Image(),
		Trace:  p.trace,
		From:   p.from,
		To:     p.to,
		Rows:   p.raster.Rows(),
	}
	if p.trace != nil {
		s.StartFrequency = p.trace.StartFrequency
		s.EndFrequency = p.trace.EndFrequency
	}
	return s
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, ErrUnknownFrameType):
		return "unknown_type"
	case errors.Is(err, ErrEmptyFrame):
		return "empty"
	case errors.Is(err, ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, telemetry.ErrUnknownEvent):
		return "not_spectrum"
	default:
		return "malformed"
	}
}
