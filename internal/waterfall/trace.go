package waterfall

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

const pixelsPerLabel = 150.0

// Label is a frequency axis tick.
type Label struct {
	X         int     `json:"x"`
	Frequency float64 `json:"frequency"`
	Text      string  `json:"text"`
}

// Trace is the amplitude curve of one frame. Its axis is labelled from the
// frame's own start and end frequency.
type Trace struct {
	Timestamp      int64   `json:"timestamp"`
	StartFrequency float64 `json:"startFrequency"`
	EndFrequency   float64 `json:"endFrequency"`
	Points         []byte  `json:"points"`
	Labels         []Label `json:"labels"`
}

// NewTrace resamples f to width points and labels its frequency axis.
func NewTrace(f spectrum.Frame, width int) Trace {
	t := Trace{
		Timestamp:      f.Timestamp.UnixMilli(),
		StartFrequency: f.StartFrequency,
		EndFrequency:   f.EndFrequency,
		Points:         make([]byte, width),
	}
	Resample(f.Bins, t.Points)
	t.Labels = frequencyLabels(f.StartFrequency, f.EndFrequency, width)
	return t
}

func frequencyLabels(start, end float64, width int) []Label {
	span := end - start
	if !(span > 0) || math.IsInf(span, 0) || width < 2 {
		return nil
	}

	step := niceFrequencyStep(span, width)
	first := math.Ceil(start/step) * step
	if first+step == first {
		return nil // span below float64 resolution at this frequency
	}

	limit := int(float64(width)/pixelsPerLabel) + 3
	labels := make([]Label, 0, limit)
	for i := 0; i < limit; i++ {
		freq := first + float64(i)*step
		if freq > end {
			break
		}
		x := int(math.Round((freq - start) / span * float64(width-1)))
		labels = append(labels, Label{X: x, Frequency: freq, Text: FormatFrequency(freq)})
	}
	return labels
}

// niceFrequencyStep picks a power-of-ten step giving about one label per
// pixelsPerLabel and at least two labels.
func niceFrequencyStep(span float64, width int) float64 {
	target := span / (float64(width) / pixelsPerLabel)

	for step := 1.0; step <= 1e10; step *= 10 {
		for _, m := range []float64{1, 2, 5} {
			if s := step * m; s >= target {
				if span/s >= 2 {
					return s
				}
				return span / 2
			}
		}
	}
	return span / 2
}

// FormatFrequency renders hz with an SI prefix, e.g. "118.02 MHz".
func FormatFrequency(hz float64) string {
	value, prefix := humanize.ComputeSI(hz)
	return fmt.Sprintf("%0.2f %sHz", value, prefix)
}
