package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// DefaultPublishTimeout bounds a single JetStream publish
const DefaultPublishTimeout = 2 * time.Second

// Publisher is the part of jetstream.JetStream the bridge uses
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Metrics receives per-message outcomes
type Metrics interface {
	RecordMessage(status, msgType string)
	RecordLatency(msgType string, duration time.Duration)
	RecordError(errorType string)
}

// Bridge forwards bus events to JetStream subjects
type Bridge struct {
	js      Publisher
	metrics Metrics
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBridge creates a bridge. metrics may be nil.
func NewBridge(js Publisher, metrics Metrics, logger zerolog.Logger) *Bridge {
	return &Bridge{
		js:      js,
		metrics: metrics,
		timeout: DefaultPublishTimeout,
		logger:  logger.With().Str("component", "nats_bridge").Logger(),
	}
}

// Run publishes every event received on events until ctx is done or the
// channel is closed. Publish failures are logged and counted; they never
// stop the bridge.
func (b *Bridge) Run(ctx context.Context, events <-chan messages.Event) error {
	b.logger.Info().Msg("NATS bridge started")
	defer b.logger.Info().Msg("NATS bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.Forward(ctx, ev); err != nil {
				b.logger.Warn().Err(err).Str("subject", ev.Subject()).Msg("Failed to forward event")
			}
		}
	}
}

// Forward publishes one event, deduplicated by its message id
func (b *Bridge) Forward(ctx context.Context, ev messages.Event) error {
	start := time.Now()
	msgType := string(ev.Type())
	defer func() {
		if b.metrics != nil {
			b.metrics.RecordLatency(msgType, time.Since(start))
		}
	}()

	data, err := json.Marshal(ev)
	if err != nil {
		b.record("failed", msgType, "marshal")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	subject := ev.Subject()
	if _, err := b.js.Publish(pubCtx, subject, data, jetstream.WithMsgID(ev.GetEnvelope().MessageID)); err != nil {
		b.record("failed", msgType, "publish")
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.record("success", msgType, "")
	b.logger.Debug().
		Str("subject", subject).
		Str("message_id", ev.GetEnvelope().MessageID).
		Str("correlation_id", ev.GetEnvelope().CorrelationID).
		Msg("Published event")
	return nil
}

func (b *Bridge) record(status, msgType, errType string) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordMessage(status, msgType)
	if errType != "" {
		b.metrics.RecordError("nats_" + errType)
	}
}
