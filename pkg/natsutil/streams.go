// Package natsutil provides NATS JetStream configuration and the bridge that
// forwards locator events to other processes
package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfigs defines the streams the locator publishes to
var StreamConfigs = map[string]jetstream.StreamConfig{
	"POSITIONS": {
		Name:              "POSITIONS",
		Description:       "Tag positions, registrations and snap changes",
		Subjects:          []string{"position.>", "tag.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxBytes:          1 * 1024 * 1024 * 1024, // 1GB
		MaxAge:            24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Discard:           jetstream.DiscardOld,
		MaxMsgsPerSubject: 100000,
	},
	"ALERTS": {
		Name:        "ALERTS",
		Description: "Low battery and emergency alerts",
		Subjects:    []string{"alert.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    256 * 1024 * 1024,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	},
}

// SetupStreams creates all required streams
func SetupStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, cfg := range StreamConfigs {
		_, err := js.Stream(ctx, name)
		if err == nil {
			continue // Stream exists
		}

		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
	}
	return nil
}
