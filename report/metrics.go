package report

import (
	"fmt"
	"math/bits"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics records session events as prometheus metrics in its own
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	flips        prometheus.Counter
	flippedBits  prometheus.Counter
	rounds       prometheus.Counter
	warnings     *prometheus.CounterVec
	syncRatio    prometheus.Gauge
	busyWork     prometheus.Gauge
	phaseSeconds *prometheus.GaugeVec
}

// NewMetrics creates and registers the session metrics.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		flips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smash",
			Name:      "flips_total",
			Help:      "Victim bytes found flipped.",
		}),
		flippedBits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smash",
			Name:      "flipped_bits_total",
			Help:      "Bits that changed in flipped victim bytes.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smash",
			Name:      "hammer_rounds_total",
			Help:      "Hammering rounds (one aggressor pair, one data pattern).",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smash",
			Name:      "warnings_total",
			Help:      "Advisory warnings by message.",
		}, []string{"message"}),
		syncRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smash",
			Name:      "sync_ratio",
			Help:      "Last refresh interval to iteration time ratio.",
		}),
		busyWork: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smash",
			Name:      "busy_work",
			Help:      "Busy work per hammering iteration.",
		}),
		phaseSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "smash",
			Name:      "phase_seconds",
			Help:      "Duration of the last run of each phase.",
		}, []string{"phase"}),
	}

	for _, c := range []prometheus.Collector{
		m.flips,
		m.flippedBits,
		m.rounds,
		m.warnings,
		m.syncRatio,
		m.busyWork,
		m.phaseSeconds,
	} {
		err := m.Registry.Register(c)
		if err != nil {
			return nil, fmt.Errorf("failed to register metric - %w", err)
		}
	}

	return m, nil
}

func (o *Metrics) PhaseStart(string) {}

func (o *Metrics) PhaseEnd(name string, lap time.Duration, _ time.Duration) {
	o.phaseSeconds.WithLabelValues(name).Set(lap.Seconds())
}

func (o *Metrics) Flip(event FlipEvent) {
	o.flips.Inc()

	o.flippedBits.Add(float64(bits.OnesCount8(event.Expected ^ event.Observed)))
}

func (o *Metrics) Progress(event ProgressEvent) {
	o.busyWork.Set(float64(event.BusyWork))

	switch event.Phase {
	case PhaseSoftSync:
		o.syncRatio.Set(event.Ratio)
	case PhaseHammer:
		o.rounds.Inc()
	}
}

func (o *Metrics) Warning(msg string, _ ...zap.Field) {
	o.warnings.WithLabelValues(msg).Inc()
}

// WriteToTextfile writes the registry in the text exposition format.
func (o *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, o.Registry)
}

// Handler serves the registry.
func (o *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{})
}
