package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	b := NewBase("locator", zerolog.Nop())

	assert.Equal(t, HealthStatus{Healthy: false, Status: "stopped"}, b.Health())

	b.SetRunning(true)
	assert.Equal(t, HealthStatus{Healthy: true, Status: "running"}, b.Health())
	assert.Nil(t, b.NATS())
	assert.Nil(t, b.JetStream())

	b.Close()
	assert.False(t, b.Health().Healthy)
}

func TestRecordMetrics(t *testing.T) {
	b := NewBase("locator", zerolog.Nop())

	b.RecordMessage("success", "position.updated")
	b.RecordMessage("success", "position.updated")
	b.RecordMessage("failed", "location_record")
	b.RecordError("publish")
	b.RecordLatency("location_record", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(b.messagesTotal.WithLabelValues("success", "position.updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.messagesTotal.WithLabelValues("failed", "location_record")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.errorsTotal.WithLabelValues("publish")))

	families, err := b.Metrics().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["locator_messages_total"])
	assert.True(t, names["locator_processing_latency_seconds"])
	assert.True(t, names["go_goroutines"])
}
