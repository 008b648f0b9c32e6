package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/telemetry"
)

func ptr(f float64) *float64 { return &f }

var airband = spectrum.Range{Start: 118e6, End: 137e6, Step: 25e3}

func TestTracker_ProgressWraparound(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())

	var outcomes []Outcome
	for _, p := range []float64{0.1, 0.05, 0.3, 0.92, 0.1} {
		outcomes = append(outcomes, tr.Observe(nil, ptr(p)))
	}

	assert.Equal(t, []Outcome{Accepted, Rejected, Accepted, Accepted, Wrapped}, outcomes)
	assert.Equal(t, 1, tr.Snapshot().CycleCount)
	assert.InDelta(t, 0.1, *tr.Snapshot().Fraction, 1e-9)
}

func TestTracker_Jitter(t *testing.T) {
	tests := []struct {
		name      string
		last      float64
		next      float64
		want      Outcome
		wantCycle int
	}{
		{"within epsilon", 0.50, 0.49, Accepted, 0},
		{"beyond epsilon", 0.50, 0.40, Rejected, 0},
		{"drop from high zone into middle", 0.90, 0.50, Rejected, 0},
		{"drop into low zone from middle", 0.60, 0.05, Rejected, 0},
		{"wraparound", 0.95, 0.02, Wrapped, 1},
		{"forward", 0.20, 0.80, Accepted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(airband, DefaultConfig())
			require.Equal(t, Accepted, tr.Observe(nil, ptr(tt.last)))
			assert.Equal(t, tt.want, tr.Observe(nil, ptr(tt.next)))
			assert.Equal(t, tt.wantCycle, tr.Snapshot().CycleCount)
		})
	}
}

func TestTracker_FrequencyTolerance(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())

	require.Equal(t, Accepted, tr.Observe(ptr(125e6), nil))
	assert.Equal(t, Accepted, tr.Observe(ptr(125e6-25e3), nil), "one step back is jitter")
	assert.Equal(t, Rejected, tr.Observe(ptr(124e6), nil))
	assert.InDelta(t, 125e6-25e3, *tr.Snapshot().Frequency, 1)
}

func TestTracker_FullSweep(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())
	require.Equal(t, 760, tr.Snapshot().TotalSteps)

	prev := 0
	for i := range 760 {
		f := airband.Start + float64(i)*airband.Step
		outcome := tr.Apply(&telemetry.Event{Type: telemetry.EventFreqChange, Frequency: &f})
		require.Equal(t, Accepted, outcome, "step %d", i)

		scanned := tr.Snapshot().FreqsScanned
		require.GreaterOrEqual(t, scanned, prev)
		prev = scanned
	}
	assert.Equal(t, 759, prev)

	assert.Equal(t, Reset, tr.Apply(&telemetry.Event{Type: telemetry.EventLog, LogType: telemetry.LogScanCycle}))

	f := airband.Start
	assert.Equal(t, Accepted, tr.Apply(&telemetry.Event{Type: telemetry.EventFreqChange, Frequency: &f}))

	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.CycleCount)
	assert.Equal(t, 760, snap.FreqsScanned)
}

func TestTracker_ScanCycleAfterWrapCountsOnce(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())

	tr.Observe(nil, ptr(0.95))
	require.Equal(t, Wrapped, tr.Observe(nil, ptr(0.01)))
	tr.NewCycle()
	assert.Equal(t, 1, tr.Snapshot().CycleCount)

	tr.Observe(nil, ptr(0.5))
	tr.NewCycle()
	assert.Equal(t, 2, tr.Snapshot().CycleCount)
}

func TestTracker_MissingFields(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())
	tr.Observe(nil, ptr(0.6))
	assert.Equal(t, Accepted, tr.Observe(nil, nil))
	assert.InDelta(t, 0, *tr.Snapshot().Fraction, 1e-9)
	assert.Equal(t, 0, tr.Snapshot().CycleCount)

	cfg := DefaultConfig()
	cfg.RequireFrequency = true
	tr = NewTracker(airband, cfg)
	tr.Observe(nil, ptr(0.6))
	assert.Equal(t, Dropped, tr.Observe(nil, nil))
	assert.InDelta(t, 0.6, *tr.Snapshot().Fraction, 1e-9)
}

func TestTracker_Malformed(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())
	assert.Equal(t, Dropped, tr.Observe(nil, ptr(1.5)))
	assert.Equal(t, Dropped, tr.Observe(nil, ptr(-0.1)))
	assert.Nil(t, tr.Snapshot().Fraction)
}

func TestTracker_RangeChange(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())
	tr.Observe(ptr(136e6), nil)

	start, end, step := 144e6, 146e6, 12.5e3
	f := 144.1e6
	outcome := tr.Apply(&telemetry.Event{
		Type:       telemetry.EventFreqChange,
		Frequency:  &f,
		RangeStart: &start,
		RangeEnd:   &end,
		RangeStep:  &step,
	})
	assert.Equal(t, Accepted, outcome, "a new range is never going backwards")

	snap := tr.Snapshot()
	assert.Equal(t, 160, snap.TotalSteps)
	assert.Equal(t, spectrum.Range{Start: start, End: end, Step: step}, snap.Range)
}

func TestTracker_Signals(t *testing.T) {
	tr := NewTracker(airband, DefaultConfig())
	f, level := 121.5e6, -42.0

	assert.Equal(t, Accepted, tr.Apply(&telemetry.Event{Type: telemetry.EventSignalFound, Frequency: &f, Level: &level}))
	sig := tr.Snapshot().LastSignal
	require.NotNil(t, sig)
	assert.True(t, sig.Found)
	assert.Equal(t, f, sig.Frequency)

	assert.Equal(t, Accepted, tr.Apply(&telemetry.Event{Type: telemetry.EventSignalLost, Frequency: &f}))
	assert.False(t, tr.Snapshot().LastSignal.Found)
	assert.Nil(t, tr.Snapshot().Fraction, "signals do not move the scan position")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.WrapLow, cfg.WrapHigh = 0.9, 0.1
	assert.Error(t, cfg.Validate())
}
