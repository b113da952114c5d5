// Package service provides the process-wide plumbing shared by the locator
// components: logger, metrics registry and the optional NATS connection.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// HealthStatus represents service health
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Base carries the shared metrics and connections of one locator process
type Base struct {
	name string

	// NATS
	nc *nats.Conn
	js jetstream.JetStream

	// Logging
	logger zerolog.Logger

	// Metrics
	registry      *prometheus.Registry
	messagesTotal *prometheus.CounterVec
	latencyHist   *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec

	// State
	running bool
	mu      sync.RWMutex
}

// NewBase creates the shared registry and the service level collectors
func NewBase(name string, logger zerolog.Logger) *Base {
	registry := prometheus.NewRegistry()

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locator_messages_total",
			Help: "Total messages handled by locator collaborators",
		},
		[]string{"status", "message_type"},
	)

	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locator_processing_latency_seconds",
			Help:    "Collaborator processing latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"message_type"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locator_errors_total",
			Help: "Total errors encountered by locator collaborators",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		messagesTotal, latencyHist, errorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Base{
		name:          name,
		logger:        logger.With().Str("service", name).Logger(),
		registry:      registry,
		messagesTotal: messagesTotal,
		latencyHist:   latencyHist,
		errorsTotal:   errorsTotal,
	}
}

// Name returns the service name
func (b *Base) Name() string {
	return b.name
}

// Logger returns the service logger
func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

// Metrics returns the Prometheus registry
func (b *Base) Metrics() *prometheus.Registry {
	return b.registry
}

// NATS returns the NATS connection, nil when not connected
func (b *Base) NATS() *nats.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc
}

// JetStream returns the JetStream context, nil when not connected
func (b *Base) JetStream() jetstream.JetStream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.js
}

// RecordMessage records a handled message metric
func (b *Base) RecordMessage(status, msgType string) {
	b.messagesTotal.WithLabelValues(status, msgType).Inc()
}

// RecordLatency records processing latency
func (b *Base) RecordLatency(msgType string, duration time.Duration) {
	b.latencyHist.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordError records an error metric
func (b *Base) RecordError(errorType string) {
	b.errorsTotal.WithLabelValues(errorType).Inc()
}

// SetRunning marks the service as started or stopped for health reporting
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

// Connect establishes the NATS connection and JetStream context
func (b *Base) Connect(ctx context.Context, url string) error {
	b.logger.Info().Str("url", url).Msg("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(b.name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b.mu.Lock()
	b.nc = nc
	b.js = js
	b.mu.Unlock()

	b.logger.Info().Msg("Connected to NATS with JetStream")
	return nil
}

// Health returns the health status. A service without NATS is healthy
// while running.
func (b *Base) Health() HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return HealthStatus{Healthy: false, Status: "stopped"}
	}

	if b.nc != nil && !b.nc.IsConnected() {
		return HealthStatus{Healthy: false, Status: "disconnected", Details: "NATS connection lost"}
	}

	return HealthStatus{Healthy: true, Status: "running"}
}

// Close drains the NATS connection and marks the service stopped
func (b *Base) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
		b.nc = nil
		b.js = nil
	}

	b.running = false
	b.logger.Info().Msg("Service stopped")
}
