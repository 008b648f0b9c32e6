package waterfall

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi            = 96.0
	fontSize       = 10.0
	tickMarkHeight = 5

	defaultTopBorder    = 30
	defaultLeftBorder   = 70
	defaultBottomBorder = 30
	defaultRightBorder  = 30
	defaultTraceHeight  = 80

	defaultTimeFormat     = "15:04:05"
	defaultDatetimeFormat = time.DateTime
)

var (
	backgroundColor = color.RGBA{R: 0x10, G: 0x10, B: 0x14, A: 0xff}
	foregroundColor = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
	traceColor      = color.RGBA{R: 0xff, G: 0xd0, B: 0x20, A: 0xff}
)

// BorderConfig defines the space around the spectrogram
type BorderConfig struct {
	Top    int // frequency scale
	Left   int // time scale
	Bottom int // information bar
	Right  int
}

// RenderConfig holds the options of the annotated snapshot
type RenderConfig struct {
	TimeFormat     string
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	TraceHeight    int // height of the live trace strip, negative to omit it
	Borders        BorderConfig
}

// Renderer draws an annotated image of a waterfall snapshot: frequency scale,
// live trace, spectrogram, time marks and an information bar.
type Renderer struct {
	config RenderConfig
	font   *truetype.Font
}

func NewRenderer(config RenderConfig) (*Renderer, error) {
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.TraceHeight == 0 {
		config.TraceHeight = defaultTraceHeight
	}
	if config.Borders.Top == 0 {
		config.Borders.Top = defaultTopBorder
	}
	if config.Borders.Left == 0 {
		config.Borders.Left = defaultLeftBorder
	}
	if config.Borders.Bottom == 0 {
		config.Borders.Bottom = defaultBottomBorder
	}
	if config.Borders.Right == 0 {
		config.Borders.Right = defaultRightBorder
	}

	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	return &Renderer{config: config, font: parsedFont}, nil
}

// Render creates the annotated image of s.
func (r *Renderer) Render(s Snapshot) (*image.RGBA, error) {
	if s.Raster == nil {
		return nil, fmt.Errorf("rendering snapshot: %w", ErrEmptyFrame)
	}

	b := r.config.Borders
	size := s.Raster.Bounds().Size()
	traceHeight := max(r.config.TraceHeight, 0)

	img := image.NewRGBA(image.Rect(0, 0, b.Left+size.X+b.Right, b.Top+traceHeight+size.Y+b.Bottom))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	traceArea := image.Rect(b.Left, b.Top, b.Left+size.X, b.Top+traceHeight)
	rasterArea := image.Rect(b.Left, traceArea.Max.Y, b.Left+size.X, traceArea.Max.Y+size.Y)

	draw.Draw(img, rasterArea, s.Raster, image.Point{}, draw.Src)
	if s.Trace != nil && traceHeight > 0 {
		drawTrace(img, traceArea, s.Trace)
	}

	ann := newAnnotator(r.font, r.config)
	defer ann.Close()

	if err := ann.annotate(img, traceArea, rasterArea, s); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}
	return img, nil
}

// WritePNG renders s and encodes it as PNG.
func (r *Renderer) WritePNG(w io.Writer, s Snapshot) error {
	img, err := r.Render(s)
	if err != nil {
		return err
	}
	if err = png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

func drawTrace(img *image.RGBA, area image.Rectangle, t *Trace) {
	h := area.Dy() - 1
	prev := -1

	for x, v := range t.Points {
		if x >= area.Dx() {
			break
		}
		y := area.Max.Y - 1 - int(v)*h/255

		lo, hi := y, y
		if prev >= 0 {
			lo, hi = min(prev, y), max(prev, y)
		}
		for yy := lo; yy <= hi; yy++ {
			img.SetRGBA(area.Min.X+x, yy, traceColor)
		}
		prev = y
	}
}

type annotator struct {
	context  *freetype.Context
	config   RenderConfig
	fontFace font.Face
}

func newAnnotator(f *truetype.Font, config RenderConfig) *annotator {
	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(f)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.NewUniform(foregroundColor))

	return &annotator{
		context: ctx,
		config:  config,
		fontFace: truetype.NewFace(f, &truetype.Options{
			Size:    config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}
}

func (a *annotator) Close() error {
	return a.fontFace.Close()
}

func (a *annotator) annotate(img *image.RGBA, traceArea, rasterArea image.Rectangle, s Snapshot) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawFrequencyScale(img, traceArea, s); err != nil {
		return fmt.Errorf("drawing frequency scale: %w", err)
	}
	if err := a.drawTimeScale(img, rasterArea, s); err != nil {
		return fmt.Errorf("drawing time scale: %w", err)
	}
	if err := a.drawInfoBar(img, s); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}
	return nil
}

func (a *annotator) fontHeight() int {
	m := a.fontFace.Metrics()
	return (m.Ascent + m.Descent).Round()
}

// drawFrequencyScale labels the axis from the trace, so the labels always
// belong to the frame that is drawn.
func (a *annotator) drawFrequencyScale(img *image.RGBA, area image.Rectangle, s Snapshot) error {
	var labels []Label
	if s.Trace != nil {
		labels = s.Trace.Labels
	} else {
		labels = frequencyLabels(s.StartFrequency, s.EndFrequency, area.Dx())
	}

	textY := area.Min.Y - tickMarkHeight - 3
	for _, l := range labels {
		x := area.Min.X + l.X
		for y := area.Min.Y - tickMarkHeight; y < area.Min.Y; y++ {
			img.SetRGBA(x, y, foregroundColor)
		}

		width := font.MeasureString(a.fontFace, l.Text)
		if _, err := a.context.DrawString(l.Text, freetype.Pt(x-width.Round()/2, textY)); err != nil {
			return fmt.Errorf("drawing frequency label: %w", err)
		}
	}
	return nil
}

// drawTimeScale marks the newest row at the top and the oldest drawn row.
func (a *annotator) drawTimeScale(img *image.RGBA, area image.Rectangle, s Snapshot) error {
	if s.Rows == 0 {
		return nil
	}

	marks := []struct {
		y int
		t time.Time
	}{
		{area.Min.Y, s.To},
	}
	if s.Rows > 1 {
		marks = append(marks, struct {
			y int
			t time.Time
		}{area.Min.Y + s.Rows - 1, s.From})
	}

	half := a.fontHeight() / 2
	for _, m := range marks {
		for x := area.Min.X - tickMarkHeight; x < area.Min.X; x++ {
			img.SetRGBA(x, m.y, foregroundColor)
		}

		label := m.t.In(a.config.Location).Format(a.config.TimeFormat)
		if _, err := a.context.DrawString(label, freetype.Pt(4, m.y+half)); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, s Snapshot) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Freq: %s - %s", FormatFrequency(s.StartFrequency), FormatFrequency(s.EndFrequency)))
	if !s.From.IsZero() {
		sb.WriteString(fmt.Sprintf("; Time: %s - %s",
			s.From.In(a.config.Location).Format(a.config.DatetimeFormat),
			s.To.In(a.config.Location).Format(a.config.DatetimeFormat)))
	}
	if width := s.Raster.Bounds().Dx(); width > 0 && s.EndFrequency > s.StartFrequency {
		sb.WriteString("; 1px = ")
		sb.WriteString(FormatFrequency((s.EndFrequency - s.StartFrequency) / float64(width)))
	}
	sb.WriteString(fmt.Sprintf("; %d rows", s.Rows))

	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom-a.fontHeight())/2 - a.fontFace.Metrics().Descent.Round()
	if _, err := a.context.DrawString(sb.String(), freetype.Pt(a.config.Borders.Left, textY)); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}
