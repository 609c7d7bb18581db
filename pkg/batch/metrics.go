package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status label values of the cubes counter.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Metrics instruments batch runs.
type Metrics struct {
	cubes    *prometheus.CounterVec
	warnings prometheus.Counter
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

// NewMetrics registers the batch collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cubes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pwsanalysis",
			Subsystem: "batch",
			Name:      "cubes_total",
			Help:      "Cubes analyzed, by outcome.",
		}, []string{"status"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pwsanalysis",
			Subsystem: "batch",
			Name:      "warnings_total",
			Help:      "Warnings raised while analyzing cubes.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pwsanalysis",
			Subsystem: "batch",
			Name:      "cube_duration_seconds",
			Help:      "Time to load, analyze and store one cube.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pwsanalysis",
			Subsystem: "batch",
			Name:      "cubes_in_flight",
			Help:      "Cubes currently being analyzed.",
		}),
	}
	for _, c := range []prometheus.Collector{m.cubes, m.warnings, m.duration, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	// Expose both series from the start.
	m.cubes.WithLabelValues(StatusSucceeded)
	m.cubes.WithLabelValues(StatusFailed)
	return m, nil
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) observe(res outcome) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	status := StatusSucceeded
	if res.err != nil {
		status = StatusFailed
	}
	m.cubes.WithLabelValues(status).Inc()
	m.warnings.Add(float64(len(res.warnings)))
	m.duration.Observe(res.elapsed.Seconds())
}
