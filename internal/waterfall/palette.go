package waterfall

import (
	"fmt"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Theme names a palette.
type Theme string

const (
	DefaultTheme   Theme = "default"   // dark blue to cyan to green to yellow
	ClassicTheme   Theme = "classic"   // blue to red
	GrayscaleTheme Theme = "grayscale" // black to white
	ThermalTheme   Theme = "thermal"   // black to red to yellow to white

	paletteSize = 256
)

// gradient stops of the default theme, evenly spaced
var defaultStops = []colorful.Color{
	{R: 0.00, G: 0.04, B: 0.24}, // dark blue
	{R: 0.00, G: 0.78, B: 1.00}, // cyan
	{R: 0.06, G: 0.75, B: 0.25}, // green
	{R: 1.00, G: 1.00, B: 0.00}, // yellow
}

// Palette maps an amplitude to a color. It is built once by sampling the theme
// function at 256 points.
type Palette struct {
	theme  Theme
	colors [paletteSize]color.RGBA
}

func NewPalette(theme Theme) (*Palette, error) {
	if theme == "" {
		theme = DefaultTheme
	}

	fn, err := themeFunc(theme)
	if err != nil {
		return nil, err
	}

	p := Palette{theme: theme}
	for i := range p.colors {
		p.colors[i] = fn(float64(i) / float64(paletteSize-1))
	}
	return &p, nil
}

// Color returns the color of amplitude v.
func (p *Palette) Color(v byte) color.RGBA {
	return p.colors[v]
}

func (p *Palette) Theme() Theme {
	return p.theme
}

// HSV represents a color in HSV (Hue, Saturation, Value) color space
type HSV struct {
	H float64 // Hue angle in degrees [0-360]
	S float64 // Saturation [0-1]
	V float64 // Value/Brightness [0-1]
}

// RGB converts HSV to RGB
func (hsv HSV) RGB() color.RGBA {
	if hsv.S <= 0.0 {
		v := uint8(hsv.V * 255)
		return color.RGBA{R: v, G: v, B: v, A: 255}
	}

	h := math.Mod(hsv.H, 360)
	if h < 0 {
		h += 360
	}
	h /= 60

	i := int(h)
	f := h - float64(i)

	v := uint8(hsv.V * 255)
	p := uint8((hsv.V * (1 - hsv.S)) * 255)
	q := uint8((hsv.V * (1 - (hsv.S * f))) * 255)
	t := uint8((hsv.V * (1 - (hsv.S * (1 - f)))) * 255)

	switch i {
	case 0:
		return color.RGBA{R: v, G: t, B: p, A: 255}
	case 1:
		return color.RGBA{R: q, G: v, B: p, A: 255}
	case 2:
		return color.RGBA{R: p, G: v, B: t, A: 255}
	case 3:
		return color.RGBA{R: p, G: q, B: v, A: 255}
	case 4:
		return color.RGBA{R: t, G: p, B: v, A: 255}
	default:
		return color.RGBA{R: v, G: p, B: q, A: 255}
	}
}

func themeFunc(theme Theme) (func(float64) color.RGBA, error) {
	switch theme {
	case DefaultTheme:
		return gradient(defaultStops), nil

	case ClassicTheme:
		return func(power float64) color.RGBA {
			return HSV{
				H: 240 - (power * 240),
				S: 0.9 + (power * 0.1),
				V: math.Pow(power, 0.7),
			}.RGB()
		}, nil

	case GrayscaleTheme:
		return func(power float64) color.RGBA {
			v := uint8(math.Pow(power, 0.7) * 255)
			return color.RGBA{R: v, G: v, B: v, A: 255}
		}, nil

	case ThermalTheme:
		return func(power float64) color.RGBA {
			switch {
			case power < 0.33:
				return color.RGBA{R: uint8((power * 3) * 255), A: 255}
			case power < 0.66:
				return color.RGBA{R: 255, G: uint8(((power - 0.33) * 3) * 255), A: 255}
			default:
				return color.RGBA{R: 255, G: 255, B: uint8(math.Min(1, (power-0.66)*3) * 255), A: 255}
			}
		}, nil

	default:
		return nil, fmt.Errorf("unknown palette theme '%s'", theme)
	}
}

// gradient blends evenly spaced stops in HCL space, which keeps perceived
// brightness increasing along the scale.
func gradient(stops []colorful.Color) func(float64) color.RGBA {
	segments := float64(len(stops) - 1)

	return func(t float64) color.RGBA {
		t = math.Max(0, math.Min(1, t))

		pos := t * segments
		i := min(int(pos), len(stops)-2)

		r, g, b := stops[i].BlendHcl(stops[i+1], pos-float64(i)).Clamped().RGB255()
		return color.RGBA{R: r, G: g, B: b, A: 255}
	}
}
