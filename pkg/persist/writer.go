// Package persist writes location records for position events to an external
// store. It is a plain bus subscriber: the core never reads records back and
// never waits on the store.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/messages"
)

const (
	// DefaultMinInterval limits records to one per tag per second
	DefaultMinInterval = time.Second
	// DefaultFlushInterval is how often pending records are written
	DefaultFlushInterval = time.Second
	// DefaultBatchSize triggers an early flush
	DefaultBatchSize = 256
	// DefaultWriteTimeout bounds a single store write
	DefaultWriteTimeout = 5 * time.Second
)

// Recorder is an append-only location store
type Recorder interface {
	InsertLocations(ctx context.Context, records []messages.LocationRecord) error
}

// Metrics receives per-write outcomes
type Metrics interface {
	RecordMessage(status, msgType string)
	RecordLatency(msgType string, duration time.Duration)
	RecordError(errorType string)
}

// Config controls rate limiting and batching
type Config struct {
	MinInterval   time.Duration
	FlushInterval time.Duration
	BatchSize     int
}

// Counters are the writer totals
type Counters struct {
	Accepted  uint64 `json:"accepted"`
	Throttled uint64 `json:"throttled"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
}

// Writer turns PositionUpdated events into location records
type Writer struct {
	rec     Recorder
	metrics Metrics
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	last     map[string]time.Time
	pending  []messages.LocationRecord
	counters Counters
}

// NewWriter creates a writer. metrics may be nil.
func NewWriter(rec Recorder, cfg Config, metrics Metrics, logger zerolog.Logger) *Writer {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Writer{
		rec:     rec,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "persist").Logger(),
		last:    make(map[string]time.Time),
	}
}

// Offer queues a record for the event unless the tag was recorded less than
// MinInterval ago. It reports whether the record was accepted and whether the
// pending batch is full.
func (w *Writer) Offer(ev *messages.PositionUpdated) (accepted, full bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.last[ev.TagID]; ok && ev.At.Sub(prev) < w.cfg.MinInterval {
		w.counters.Throttled++
		return false, false
	}
	w.last[ev.TagID] = ev.At
	w.counters.Accepted++
	w.pending = append(w.pending, messages.LocationRecord{
		TagID:     ev.TagID,
		X:         ev.Final.X,
		Y:         ev.Final.Y,
		Z:         ev.Final.Z,
		ZoneID:    ev.ZoneID,
		AccuracyM: ev.Accuracy,
		At:        ev.At,
	})
	return true, len(w.pending) >= w.cfg.BatchSize
}

// Flush writes the pending records. A failed batch is dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
	err := w.rec.InsertLocations(writeCtx, batch)
	cancel()

	w.mu.Lock()
	if err != nil {
		w.counters.Failed += uint64(len(batch))
	} else {
		w.counters.Written += uint64(len(batch))
	}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordLatency("location_record", time.Since(start))
		if err != nil {
			w.metrics.RecordMessage("failed", "location_record")
			w.metrics.RecordError("persist")
		} else {
			w.metrics.RecordMessage("success", "location_record")
		}
	}
	if err != nil {
		w.logger.Warn().Err(err).Int("records", len(batch)).Msg("Failed to write location records")
		return err
	}
	w.logger.Debug().Int("records", len(batch)).Msg("Wrote location records")
	return nil
}

// Run consumes events until ctx is done or the channel closes, flushing on
// a ticker and whenever a batch fills. Pending records are flushed on exit.
func (w *Writer) Run(ctx context.Context, events <-chan messages.Event) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	defer func() {
		// ctx may already be cancelled
		_ = w.Flush(context.Background())
		c := w.Counters()
		w.logger.Info().
			Uint64("written", c.Written).
			Uint64("throttled", c.Throttled).
			Uint64("failed", c.Failed).
			Msg("Location writer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = w.Flush(ctx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			pu, isPos := ev.(*messages.PositionUpdated)
			if !isPos {
				continue
			}
			if _, full := w.Offer(pu); full {
				_ = w.Flush(ctx)
			}
		}
	}
}

// Counters returns the writer totals
func (w *Writer) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}
