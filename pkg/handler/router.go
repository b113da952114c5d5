package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps wires the read models and controls behind the API. Simulation
// must be a nil interface when the simulation source is disabled.
type RouterDeps struct {
	Tags          TagReader
	TagUpdater    TagUpdater
	Anchors       AnchorReader
	AnchorUpdater AnchorUpdater
	Zones         ZoneLister
	Stats         StatsProvider
	Simulation    SimulationControl
	Hub           *WebSocketHub
	Health        http.Handler

	Registry    *prometheus.Registry
	CORSOrigins []string
	Logger      zerolog.Logger
}

// DefaultCORSOrigins admits local dashboards
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// NewRouter builds the HTTP router
func NewRouter(d RouterDeps) chi.Router {
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = DefaultCORSOrigins
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Hub != nil {
		d.Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "locator_websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
			func() float64 { return float64(d.Hub.ClientCount()) },
		))
	}
	httpMetrics := NewHTTPMetrics(d.Registry)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(CorrelationIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(httpMetrics.Middleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if d.Health != nil {
		r.Method(http.MethodGet, "/health", d.Health)
	}
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{Registry: d.Registry}))

	if d.Hub != nil {
		r.Handle("/ws", NewWebSocketHandler(d.Hub, wsOriginPatterns(origins), d.Logger))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/tags", NewTagHandler(d.Tags, d.TagUpdater, d.Logger).Routes())
		r.Mount("/anchors", NewAnchorHandler(d.Anchors, d.AnchorUpdater, d.Logger).Routes())
		r.Get("/zones", NewZoneHandler(d.Zones, d.Tags, d.Logger).ListZones)
		if d.Stats != nil {
			r.Get("/stats", NewStatsHandler(d.Stats, d.Logger).GetStats)
		}
		r.Mount("/simulation", NewSimulationHandler(d.Simulation, d.Logger).Routes())
	})

	return r
}

// wsOriginPatterns strips the scheme from CORS origins
func wsOriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, prefix := range []string{"http://", "https://"} {
			if len(o) > len(prefix) && o[:len(prefix)] == prefix {
				o = o[len(prefix):]
				break
			}
		}
		out = append(out, o)
	}
	return out
}
