package spectrum

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Range describes the frequency span covered by a sweep.
// All frequencies are in Hz.
type Range struct {
	Start float64 `json:"start" yaml:"start"` // Lowest frequency of the sweep
	End   float64 `json:"end" yaml:"end"`     // Highest frequency of the sweep
	Step  float64 `json:"step" yaml:"step"`   // Tuning step between consecutive frequencies
}

func (r Range) Validate() error {
	if r.End <= r.Start {
		return fmt.Errorf("spectrum.Range: end frequency must be greater than start: %.0f <= %.0f", r.End, r.Start)
	}
	if r.Step <= 0 {
		return errors.New("spectrum.Range: step must be positive")
	}
	return nil
}

// Span returns the width of the range in Hz.
func (r Range) Span() float64 {
	return r.End - r.Start
}

// TotalSteps returns the number of tuning steps in one sweep, never less than one.
func (r Range) TotalSteps() int {
	if r.Step <= 0 || r.End <= r.Start {
		return 1
	}
	// Round before ceiling, otherwise float noise turns 760.0000001 into 761.
	steps := int(math.Ceil(math.Round(r.Span()/r.Step*1e6) / 1e6))
	return max(steps, 1)
}

// StepIndex returns the index of the step nearest to freq, clamped to the range.
func (r Range) StepIndex(freq float64) int {
	if r.Step <= 0 {
		return 0
	}
	idx := int(math.Round((freq - r.Start) / r.Step))
	return min(max(idx, 0), r.TotalSteps()-1)
}

// Frame is one decoded waterfall row. Bins are quantised amplitudes in 0..255
// ordered from StartFrequency to EndFrequency. A frame is not modified after decoding.
type Frame struct {
	Timestamp      time.Time
	StartFrequency float64
	EndFrequency   float64
	Bins           []byte
}

// Modulation is the demodulator mode of a listen session.
type Modulation string

const (
	ModulationAM  Modulation = "am"
	ModulationFM  Modulation = "fm"
	ModulationWFM Modulation = "wfm"
	ModulationUSB Modulation = "usb"
	ModulationLSB Modulation = "lsb"
)

var validModulations = map[Modulation]struct{}{
	ModulationAM:  {},
	ModulationFM:  {},
	ModulationWFM: {},
	ModulationUSB: {},
	ModulationLSB: {},
}

// ListenParams is the single desired tuning state of a listen session.
type ListenParams struct {
	Frequency  float64    `json:"frequency"`
	Modulation Modulation `json:"modulation"`
	Gain       float64    `json:"gain"`
	Squelch    int        `json:"squelch"`
	Device     string     `json:"device"`
}

func (p ListenParams) Validate() error {
	if p.Frequency <= 0 {
		return errors.New("spectrum.ListenParams: frequency must be positive")
	}
	if _, ok := validModulations[p.Modulation]; !ok {
		return fmt.Errorf("spectrum.ListenParams: unknown modulation '%s'", p.Modulation)
	}
	if p.Squelch < 0 || p.Squelch > 100 {
		return fmt.Errorf("spectrum.ListenParams: squelch must be between 0 and 100: %d given", p.Squelch)
	}
	return nil
}
