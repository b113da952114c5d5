package events

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedDesc = prometheus.NewDesc("events_published_total", "Events published on the bus", nil, nil)
	deliveredDesc = prometheus.NewDesc("events_delivered_total", "Events delivered to a subscriber", []string{"subscriber"}, nil)
	droppedDesc   = prometheus.NewDesc("events_dropped_total", "Events discarded from a full subscriber queue", []string{"subscriber"}, nil)
	queuedDesc    = prometheus.NewDesc("events_queued", "Events waiting in a subscriber queue", []string{"subscriber"}, nil)
)

// Collector exports bus counters per subscriber
type Collector struct {
	bus *Bus
}

// NewCollector creates a collector for b
func NewCollector(b *Bus) *Collector {
	return &Collector{bus: b}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- publishedDesc
	ch <- deliveredDesc
	ch <- droppedDesc
	ch <- queuedDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(c.bus.Published()))
	for _, s := range c.bus.Stats() {
		ch <- prometheus.MustNewConstMetric(deliveredDesc, prometheus.CounterValue, float64(s.Delivered), s.Name)
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(s.Dropped), s.Name)
		ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(s.Queued), s.Name)
	}
}
