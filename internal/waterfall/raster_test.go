package waterfall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

func TestResample(t *testing.T) {
	tests := []struct {
		name  string
		bins  []byte
		width int
		want  []byte
	}{
		{"identity", []byte{1, 2, 3}, 3, []byte{1, 2, 3}},
		{"midpoint", []byte{0, 255}, 3, []byte{0, 128, 255}},
		{"single bin", []byte{7}, 4, []byte{7, 7, 7, 7}},
		{"single pixel", []byte{5, 9}, 1, []byte{5}},
		{"downsample", []byte{0, 10, 20, 30, 40}, 3, []byte{0, 20, 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.width)
			Resample(tt.bins, dst)
			assert.Equal(t, tt.want, dst)
		})
	}
}

func newTestRaster(t *testing.T, width, height int) *Raster {
	t.Helper()
	palette, err := NewPalette(DefaultTheme)
	require.NoError(t, err)
	r, err := NewRaster(width, height, palette)
	require.NoError(t, err)
	return r
}

func TestRaster_Deterministic(t *testing.T) {
	data := EncodeFrame(testFrame(64))

	first, err := DecodeFrame(data)
	require.NoError(t, err)
	second, err := DecodeFrame(data)
	require.NoError(t, err)

	a := newTestRaster(t, 640, 8)
	b := newTestRaster(t, 640, 8)
	a.Push(first)
	b.Push(second)
	assert.Equal(t, a.Image().Pix, b.Image().Pix)

	// the same frame pushed twice yields two identical rows
	a.Push(second)
	img := a.Image()
	assert.Equal(t, img.Pix[:img.Stride], img.Pix[img.Stride:2*img.Stride])
}

func TestRaster_NewestOnTop(t *testing.T) {
	r := newTestRaster(t, 4, 3)
	low := spectrum.Frame{Bins: []byte{0, 0}}
	high := spectrum.Frame{Bins: []byte{255, 255}}

	r.Push(high)
	r.Push(low)
	assert.Equal(t, 2, r.Rows())

	img := r.Image()
	top, second := img.RGBAAt(0, 0), img.RGBAAt(0, 1)
	assert.Equal(t, r.palette.Color(0), top)
	assert.Equal(t, r.palette.Color(255), second)

	for range 5 {
		r.Push(low)
	}
	assert.Equal(t, 3, r.Rows())

	r.Clear()
	assert.Zero(t, r.Rows())
}

func TestRaster_IgnoresEmptyFrame(t *testing.T) {
	r := newTestRaster(t, 4, 3)
	before := r.Image().Pix

	r.Push(spectrum.Frame{})
	assert.Equal(t, before, r.Image().Pix)
	assert.Zero(t, r.Rows())
}

func TestPalette(t *testing.T) {
	for _, theme := range []Theme{DefaultTheme, ClassicTheme, GrayscaleTheme, ThermalTheme, ""} {
		p, err := NewPalette(theme)
		require.NoError(t, err, theme)
		assert.Equal(t, uint8(255), p.Color(128).A)
	}

	p, err := NewPalette(DefaultTheme)
	require.NoError(t, err)
	low, high := p.Color(0), p.Color(255)
	assert.Greater(t, low.B, low.R, "low end is dark blue")
	assert.Greater(t, high.R, uint8(200), "high end is yellow")
	assert.Greater(t, high.G, uint8(200), "high end is yellow")
	assert.Less(t, high.B, uint8(60), "high end is yellow")

	_, err = NewPalette("sepia")
	assert.Error(t, err)
}

func TestHSV_RGB(t *testing.T) {
	tests := []struct {
		hsv  HSV
		want [3]uint8
	}{
		{HSV{H: 0, S: 1, V: 1}, [3]uint8{255, 0, 0}},
		{HSV{H: 120, S: 1, V: 1}, [3]uint8{0, 255, 0}},
		{HSV{H: 240, S: 1, V: 1}, [3]uint8{0, 0, 255}},
		{HSV{H: 360, S: 1, V: 1}, [3]uint8{255, 0, 0}},
		{HSV{H: 42, S: 0, V: 0.5}, [3]uint8{127, 127, 127}},
	}
	for _, tt := range tests {
		c := tt.hsv.RGB()
		assert.Equal(t, tt.want, [3]uint8{c.R, c.G, c.B}, "%+v", tt.hsv)
	}
}
