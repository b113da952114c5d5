package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/minetrack/pkg/messages"
)

func meas(anchor, tag string, d float64) messages.Measurement {
	return messages.Measurement{AnchorID: anchor, TagID: tag, Distance: d}
}

func drain(q *Queue) []messages.Measurement {
	var out []messages.Measurement
	for {
		m, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	q.Submit(meas("A", "T1", 1))
	q.Submit(meas("A", "T1", 2))
	q.Submit(meas("B", "T1", 3))

	got := drain(q)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{got[0].Distance, got[1].Distance, got[2].Distance})
	assert.Zero(t, q.Len())
	assert.Equal(t, uint64(3), q.Stats().Enqueued)
}

func TestQueueSaturatedPairKeepsNewest(t *testing.T) {
	q := NewQueue(2)
	q.Submit(meas("A", "T1", 1))
	q.Submit(meas("A", "T2", 1))
	q.Submit(meas("A", "T1", 2))
	q.Submit(meas("A", "T1", 3))

	got := drain(q)
	require.Len(t, got, 2)
	assert.Equal(t, "T2", got[0].TagID)
	assert.Equal(t, "T1", got[1].TagID)
	assert.Equal(t, 3.0, got[1].Distance)

	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.Coalesced)
	assert.Zero(t, stats.Overflow)
}

func TestQueueOverflowDropsGloballyOldest(t *testing.T) {
	q := NewQueue(2)
	q.Submit(meas("A", "T1", 1))
	q.Submit(meas("A", "T2", 2))
	q.Submit(meas("B", "T3", 3))

	got := drain(q)
	require.Len(t, got, 2)
	assert.Equal(t, "T2", got[0].TagID)
	assert.Equal(t, "T3", got[1].TagID)
	assert.Equal(t, uint64(1), q.Stats().Overflow)

	// The pair index must not keep references to dropped entries
	q.Submit(meas("A", "T1", 4))
	q.Submit(meas("A", "T1", 5))
	q.Submit(meas("A", "T1", 6))
	got = drain(q)
	require.Len(t, got, 2)
	assert.Equal(t, 5.0, got[0].Distance)
	assert.Equal(t, 6.0, got[1].Distance)
}

func TestQueueReadySignalsSubmit(t *testing.T) {
	q := NewQueue(4)
	_, ok := q.TryPop()
	require.False(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Submit(meas("A", "T1", 7))
	}()

	select {
	case <-q.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("no ready signal after submit")
	}
	m, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 7.0, m.Distance)
}
