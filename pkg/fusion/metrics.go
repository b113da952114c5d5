package fusion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the fusion worker's Prometheus collectors
type Metrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewMetrics creates the fusion collectors and registers them with reg when
// it is not nil. The queue gauges are registered only when q is not nil.
func NewMetrics(reg prometheus.Registerer, q *Queue) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_measurements_total",
				Help: "Measurements processed by the fusion worker by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fusion_step_latency_seconds",
				Help:    "Time spent fusing one measurement",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),
	}

	if reg == nil {
		return m
	}
	reg.MustRegister(m.outcomes, m.latency)

	if q != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "fusion_queue_depth",
				Help: "Measurements waiting for the fusion worker",
			}, func() float64 { return float64(q.Len()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "fusion_queue_coalesced_total",
				Help: "Pending measurements replaced by a newer one for the same pair",
			}, func() float64 { return float64(q.Stats().Coalesced) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "fusion_queue_overflow_total",
				Help: "Pending measurements dropped because the queue was full",
			}, func() float64 { return float64(q.Stats().Overflow) }),
		)
	}
	return m
}

func (m *Metrics) record(o Outcome, reason Reason, d time.Duration) {
	m.outcomes.WithLabelValues(string(o), string(reason)).Inc()
	m.latency.Observe(d.Seconds())
}
