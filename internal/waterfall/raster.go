package waterfall

import (
	"errors"
	"image"
	"math"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

// Raster is a scrolling spectrogram. The newest row is at the top.
type Raster struct {
	width   int
	height  int
	palette *Palette

	img  *image.RGBA
	row  []byte // resampling scratch
	rows int
}

func NewRaster(width, height int, palette *Palette) (*Raster, error) {
	if width < 1 || height < 1 {
		return nil, errors.New("waterfall: raster size must be positive")
	}
	if palette == nil {
		return nil, errors.New("waterfall: palette is required")
	}

	r := Raster{
		width:   width,
		height:  height,
		palette: palette,
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
		row:     make([]byte, width),
	}
	r.Clear()
	return &r, nil
}

// Push scrolls the raster down by one row and draws f on top.
func (r *Raster) Push(f spectrum.Frame) {
	if len(f.Bins) == 0 {
		return
	}

	stride := r.img.Stride
	copy(r.img.Pix[stride:], r.img.Pix[:len(r.img.Pix)-stride])

	Resample(f.Bins, r.row)

	for x, v := range r.row {
		c := r.palette.Color(v)
		i := x * 4
		r.img.Pix[i+0] = c.R
		r.img.Pix[i+1] = c.G
		r.img.Pix[i+2] = c.B
		r.img.Pix[i+3] = c.A
	}

	r.rows = min(r.rows+1, r.height)
}

// Clear fills the raster with the color of amplitude zero.
func (r *Raster) Clear() {
	c := r.palette.Color(0)
	for i := 0; i < len(r.img.Pix); i += 4 {
		r.img.Pix[i+0] = c.R
		r.img.Pix[i+1] = c.G
		r.img.Pix[i+2] = c.B
		r.img.Pix[i+3] = c.A
	}
	r.rows = 0
}

// Image returns a copy of the raster.
func (r *Raster) Image() *image.RGBA {
	img := image.NewRGBA(r.img.Rect)
	copy(img.Pix, r.img.Pix)
	return img
}

// Rows returns the number of rows drawn since the last Clear, up to the height.
func (r *Raster) Rows() int {
	return r.rows
}

func (r *Raster) Width() int {
	return r.width
}

// Resample stretches bins across dst by linear interpolation. Output pixel x
// reads the fractional source index x/(W-1)*(N-1) and blends its two
// neighbouring bins by the fractional part.
func Resample(bins []byte, dst []byte) {
	n, w := len(bins), len(dst)
	switch {
	case n == 0 || w == 0:
		return
	case n == 1:
		for x := range dst {
			dst[x] = bins[0]
		}
		return
	case w == 1:
		dst[0] = bins[0]
		return
	}

	scale := float64(n-1) / float64(w-1)
	for x := range dst {
		pos := float64(x) * scale
		i := int(pos)
		if i >= n-1 {
			dst[x] = bins[n-1]
			continue
		}
		frac := pos - float64(i)
		v := float64(bins[i])*(1-frac) + float64(bins[i+1])*frac
		dst[x] = byte(math.Round(v))
	}
}
