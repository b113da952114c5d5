package ingest

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes the server counters on reg
func RegisterMetrics(reg prometheus.Registerer, s *Server) {
	counter := func(name, help string, fn func(Counters) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(fn(s.Stats()))
		})
	}

	reg.MustRegister(
		counter("ingest_connections_total", "Ranging peers accepted", func(c Counters) uint64 { return c.ConnectionsTotal }),
		counter("ingest_bytes_total", "Bytes read from ranging peers", func(c Counters) uint64 { return c.Bytes }),
		counter("ingest_frames_total", "Measurement frames decoded", func(c Counters) uint64 { return c.Frames }),
		counter("ingest_measurements_total", "Measurements handed to fusion", func(c Counters) uint64 { return c.Measurements }),
		counter("ingest_dropped_elements_total", "Frame elements rejected while parsing", func(c Counters) uint64 { return c.DroppedElements }),
		counter("ingest_malformed_frames_total", "Objects that failed to parse", func(c Counters) uint64 { return c.Malformed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ingest_connections_active",
			Help: "Currently connected ranging peers",
		}, func() float64 { return float64(s.Stats().ConnectionsActive) }),
	)
}
