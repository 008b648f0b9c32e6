package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listenpost"

// Metrics holds the collectors of every component. A nil *Metrics is valid and
// records nothing, so components can be used without a registry.
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded  prometheus.Counter
	framesDropped  *prometheus.CounterVec
	rowsRendered   prometheus.Counter
	rowsCoalesced  prometheus.Counter
	telemetry      *prometheus.CounterVec
	scanCycles     prometheus.Counter
	freqsScanned   prometheus.Gauge
	restarts       *prometheus.CounterVec
	listenState    *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	transportMode  *prometheus.GaugeVec
	deviceClaims   *prometheus.CounterVec
	journalDropped prometheus.Counter
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		framesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "frames_decoded_total",
			Help:      "Waterfall frames decoded successfully",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "frames_dropped_total",
			Help:      "Waterfall frames dropped by reason",
		}, []string{"reason"}),
		rowsRendered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "rows_rendered_total",
			Help:      "Rows written into the waterfall raster",
		}),
		rowsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "rows_coalesced_total",
			Help:      "Frames superseded by a newer frame before rendering",
		}),
		telemetry: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "telemetry_samples_total",
			Help:      "Scan telemetry samples by outcome",
		}, []string{"outcome"}),
		scanCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "cycles_total",
			Help:      "Completed sweep cycles",
		}),
		freqsScanned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "frequencies_scanned",
			Help:      "Frequencies scanned in the current scan",
		}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listen",
			Name:      "restarts_total",
			Help:      "Listen restarts by outcome (executed, coalesced, failed)",
		}, []string{"outcome"}),
		listenState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listen",
			Name:      "state",
			Help:      "Current listen session state, 1 for the active state",
		}, []string{"state"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts by consumer",
		}, []string{"consumer"}),
		transportMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "open",
			Help:      "Open transport channels by consumer and mode",
		}, []string{"consumer", "mode"}),
		deviceClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "claims_total",
			Help:      "Device claim operations by purpose and outcome",
		}, []string{"purpose", "outcome"}),
		journalDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "records_dropped_total",
			Help:      "Journal records dropped because the writer queue was full",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameDecoded() {
	if m != nil {
		m.framesDecoded.Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RowRendered() {
	if m != nil {
		m.rowsRendered.Inc()
	}
}

func (m *Metrics) RowCoalesced() {
	if m != nil {
		m.rowsCoalesced.Inc()
	}
}

func (m *Metrics) TelemetrySample(outcome string) {
	if m != nil {
		m.telemetry.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ScanCycle() {
	if m != nil {
		m.scanCycles.Inc()
	}
}

func (m *Metrics) FreqsScanned(n int) {
	if m != nil {
		m.freqsScanned.Set(float64(n))
	}
}

func (m *Metrics) Restart(outcome string) {
	if m != nil {
		m.restarts.WithLabelValues(outcome).Inc()
	}
}

// ListenState marks state as the only active listen state.
func (m *Metrics) ListenState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.listenState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Reconnect(consumer string) {
	if m != nil {
		m.reconnects.WithLabelValues(consumer).Inc()
	}
}

func (m *Metrics) TransportOpened(consumer, mode string) {
	if m != nil {
		m.transportMode.WithLabelValues(consumer, mode).Inc()
	}
}

func (m *Metrics) TransportClosed(consumer, mode string) {
	if m != nil {
		m.transportMode.WithLabelValues(consumer, mode).Dec()
	}
}

func (m *Metrics) DeviceClaim(purpose, outcome string) {
	if m != nil {
		m.deviceClaims.WithLabelValues(purpose, outcome).Inc()
	}
}

func (m *Metrics) JournalDropped() {
	if m != nil {
		m.journalDropped.Inc()
	}
}
