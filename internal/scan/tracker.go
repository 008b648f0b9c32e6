package scan

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/telemetry"
)

const (
	DefaultWrapHigh       = 0.85
	DefaultWrapLow        = 0.15
	DefaultEpsilon        = 0.02
	DefaultToleranceSteps = 2
)

// Config holds the jitter and wraparound heuristics of the tracker.
type Config struct {
	WrapHigh         float64 `yaml:"wrapHigh"`         // last fraction above which a drop may be a wraparound
	WrapLow          float64 `yaml:"wrapLow"`          // new fraction below which a drop may be a wraparound
	Epsilon          float64 `yaml:"epsilon"`          // tolerated backward jitter of progress fractions
	ToleranceSteps   float64 `yaml:"toleranceSteps"`   // tolerated backward jitter of frequencies, in steps
	RequireFrequency bool    `yaml:"requireFrequency"` // drop samples without frequency or progress instead of snapping to 0
}

func DefaultConfig() Config {
	return Config{
		WrapHigh:       DefaultWrapHigh,
		WrapLow:        DefaultWrapLow,
		Epsilon:        DefaultEpsilon,
		ToleranceSteps: DefaultToleranceSteps,
	}
}

func (c *Config) Validate() error {
	if c.WrapLow < 0 || c.WrapHigh > 1 || c.WrapLow >= c.WrapHigh {
		return fmt.Errorf("scan.Config: wrap thresholds must satisfy 0 <= low < high <= 1: low=%.2f high=%.2f", c.WrapLow, c.WrapHigh)
	}
	if c.Epsilon < 0 || c.Epsilon >= 1 {
		return errors.New("scan.Config: epsilon must be in [0,1)")
	}
	if c.ToleranceSteps < 0 {
		return errors.New("scan.Config: tolerance steps must not be negative")
	}
	return nil
}

// Outcome is the result of applying one telemetry sample.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected         // went backwards beyond tolerance
	Wrapped          // accepted as the start of a new cycle
	Dropped          // malformed or unusable
	Reset            // authoritative cycle boundary or range change
	Ignored          // not a progress sample
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Wrapped:
		return "wrapped"
	case Dropped:
		return "dropped"
	case Reset:
		return "reset"
	default:
		return "ignored"
	}
}

// Signal is the last signal_found/signal_lost event.
type Signal struct {
	Found     bool      `json:"found"`
	Frequency float64   `json:"frequency"`
	Level     *float64  `json:"level,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is the displayable state of a scan.
type Snapshot struct {
	Range        spectrum.Range `json:"range"`
	TotalSteps   int            `json:"totalSteps"`
	Fraction     *float64       `json:"fraction,omitempty"`
	Frequency    *float64       `json:"frequency,omitempty"`
	CycleCount   int            `json:"cycleCount"`
	FreqsScanned int            `json:"freqsScanned"`
	LastSignal   *Signal        `json:"lastSignal,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Tracker turns noisy sweep telemetry into a monotone display position.
// It is not safe for concurrent use; a scan Session owns one.
type Tracker struct {
	config Config
	rng    spectrum.Range
	steps  int

	lastFraction *float64
	lastFreq     *float64
	cycle        int
	scanned      int
	lastSignal   *Signal
	updatedAt    time.Time

	// set by a heuristic wraparound until the sweep leaves the low zone, so a
	// scan_cycle event right after it does not count the same cycle twice
	wrapPending bool

	now func() time.Time
}

func NewTracker(rng spectrum.Range, config Config) *Tracker {
	t := &Tracker{config: config, now: time.Now}
	t.Reset(rng)
	return t
}

// Reset starts tracking a new scan over rng.
func (t *Tracker) Reset(rng spectrum.Range) {
	t.rng = rng
	t.steps = rng.TotalSteps()
	t.lastFraction = nil
	t.lastFreq = nil
	t.cycle = 0
	t.scanned = 0
	t.lastSignal = nil
	t.wrapPending = false
	t.updatedAt = t.now()
}

// SetRange applies an authoritative range change. The step count is rescaled
// immediately and the position restarts, so the next sample is never treated
// as going backwards against the old range.
func (t *Tracker) SetRange(rng spectrum.Range) bool {
	if rng.Validate() != nil || rng == t.rng {
		return false
	}
	t.rng = rng
	t.steps = rng.TotalSteps()
	t.lastFraction = nil
	t.lastFreq = nil
	t.wrapPending = false
	t.updatedAt = t.now()
	return true
}

// NewCycle handles the authoritative cycle boundary.
func (t *Tracker) NewCycle() {
	alreadyCounted := t.wrapPending && t.lastFraction != nil && *t.lastFraction < t.config.WrapLow
	if !alreadyCounted {
		t.cycle++
	}
	t.lastFraction = nil
	t.lastFreq = nil
	t.wrapPending = false
	t.updatedAt = t.now()
}

// Apply feeds a telemetry event to the tracker.
func (t *Tracker) Apply(ev *telemetry.Event) Outcome {
	switch ev.Type {
	case telemetry.EventLog:
		if ev.IsScanCycle() {
			t.NewCycle()
			return Reset
		}
		return Ignored

	case telemetry.EventSignalFound, telemetry.EventSignalLost:
		if ev.Frequency == nil {
			return Dropped
		}
		t.lastSignal = &Signal{
			Found:     ev.Type == telemetry.EventSignalFound,
			Frequency: *ev.Frequency,
			Level:     ev.Level,
			At:        t.now(),
		}
		return Accepted

	case telemetry.EventFreqChange, telemetry.EventStatus:
		if ev.HasRange() {
			step := t.rng.Step
			if ev.RangeStep != nil {
				step = *ev.RangeStep
			}
			if t.SetRange(spectrum.Range{Start: *ev.RangeStart, End: *ev.RangeEnd, Step: step}) &&
				ev.Progress == nil && ev.Frequency == nil {
				return Reset
			}
		}
		return t.Observe(ev.Frequency, ev.Progress)

	default:
		return Ignored
	}
}

// Observe applies one progress sample. Progress takes precedence over frequency.
func (t *Tracker) Observe(frequency, progress *float64) Outcome {
	var fraction, tolerance float64

	switch {
	case progress != nil:
		if math.IsNaN(*progress) || *progress < 0 || *progress > 1 {
			return Dropped
		}
		fraction = *progress
		tolerance = t.config.Epsilon

	case frequency != nil:
		if math.IsNaN(*frequency) || math.IsInf(*frequency, 0) {
			return Dropped
		}
		span := t.rng.Span()
		fraction = clamp((*frequency-t.rng.Start)/span, 0, 1)
		tolerance = t.config.ToleranceSteps * t.rng.Step / span

	case t.config.RequireFrequency:
		return Dropped

	default:
		fraction = 0
		tolerance = math.Inf(1) // snapping is never a step backwards
	}

	outcome := Accepted
	if t.lastFraction != nil && fraction < *t.lastFraction-tolerance {
		if *t.lastFraction > t.config.WrapHigh && fraction < t.config.WrapLow {
			t.cycle++
			t.wrapPending = true
			outcome = Wrapped
		} else {
			return Rejected
		}
	}

	if t.wrapPending && outcome != Wrapped && fraction >= t.config.WrapLow {
		t.wrapPending = false
	}

	displayed := t.rng.Start + fraction*t.rng.Span()
	t.lastFraction = &fraction
	t.lastFreq = &displayed
	t.scanned = max(t.scanned, t.cycle*t.steps+t.rng.StepIndex(displayed))
	t.updatedAt = t.now()

	return outcome
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Range:        t.rng,
		TotalSteps:   t.steps,
		CycleCount:   t.cycle,
		FreqsScanned: t.scanned,
		UpdatedAt:    t.updatedAt,
	}
	if t.lastFraction != nil {
		f := *t.lastFraction
		s.Fraction = &f
	}
	if t.lastFreq != nil {
		f := *t.lastFreq
		s.Frequency = &f
	}
	if t.lastSignal != nil {
		sig := *t.lastSignal
		s.LastSignal = &sig
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
