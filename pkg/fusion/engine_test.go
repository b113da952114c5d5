package fusion

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/events"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/tags"
	"github.com/agile-defense/minetrack/pkg/zones"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []messages.Event
}

func (r *recorder) Publish(ev messages.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []messages.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messages.Event(nil), r.events...)
}

func (r *recorder) positions(tag string) []*messages.PositionUpdated {
	var out []*messages.PositionUpdated
	for _, ev := range r.all() {
		if p, ok := ev.(*messages.PositionUpdated); ok && p.TagID == tag {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) ofType(typ messages.EventType) []messages.Event {
	var out []messages.Event
	for _, ev := range r.all() {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *tags.Store
	reg    *anchors.Registry
	rec    *recorder
}

func anchor(id string, x, y float64) anchors.Anchor {
	return anchors.Anchor{ID: id, Position: pos(x, y, 0), Online: true, Battery: 100}
}

func newFixture(t *testing.T, cfg Config, list ...anchors.Anchor) *fixture {
	t.Helper()

	reg, err := anchors.NewRegistry(list)
	require.NoError(t, err)
	zc, err := zones.NewClassifier([]zones.Zone{
		{ID: "Z1", Name: "Face", X: 5, Y: 0},
		{ID: "Z2", Name: "Shaft", X: 0, Y: 10},
		{ID: "Z3", Name: "Workshop", X: 100, Y: 100},
	})
	require.NoError(t, err)

	store := tags.NewStore(tags.StoreConfig{})
	rec := &recorder{}
	engine, err := NewEngine(cfg, Deps{Anchors: reg, Tags: store, Zones: zc, Bus: rec}, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{engine: engine, store: store, reg: reg, rec: rec}
}

func triangle(t *testing.T, cfg Config) *fixture {
	return newFixture(t, cfg, anchor("A", 0, 0), anchor("B", 10, 0), anchor("C", 0, 10))
}

func (f *fixture) feed(tag string, at time.Time, ranges map[string]float64, order ...string) []Outcome {
	var out []Outcome
	for _, id := range order {
		out = append(out, f.engine.Process(messages.Measurement{
			AnchorID:   id,
			TagID:      tag,
			Distance:   ranges[id],
			ReceivedAt: at,
			BatchID:    "batch-" + id,
		}))
	}
	return out
}

// rangesTo returns exact horizontal ranges from every registered anchor to p
func (f *fixture) rangesTo(p messages.Position) map[string]float64 {
	out := make(map[string]float64)
	for _, a := range f.reg.All() {
		out[a.ID] = p.DistanceXY(a.Position)
	}
	return out
}

func TestExactThreeAnchorFix(t *testing.T) {
	f := triangle(t, DefaultConfig())

	outcomes := f.feed("T1", t0, map[string]float64{"A": 5, "B": 5, "C": math.Sqrt(125)}, "A", "B", "C")
	assert.Equal(t, []Outcome{OutcomeWaiting, OutcomeWaiting, OutcomePublished}, outcomes)

	updates := f.rec.positions("T1")
	require.Len(t, updates, 1)
	u := updates[0]
	assert.InDelta(t, 5, u.Final.X, 1e-6)
	assert.InDelta(t, 0, u.Final.Y, 1e-6)
	assert.InDelta(t, 0, u.Accuracy, 1e-6)
	assert.Equal(t, "Z1", u.ZoneID)
	assert.Equal(t, []string{"A", "B", "C"}, u.AnchorsUsed)
	assert.False(t, u.Snapped)
	assert.Equal(t, "batch-C", u.Envelope.CorrelationID)

	view, ok := f.store.Get("T1")
	require.True(t, ok)
	assert.True(t, view.Dynamic)
	assert.True(t, view.Filtering)
	require.NotNil(t, view.Fix)
	assert.Equal(t, "Z1", view.Fix.ZoneID)
	assert.Empty(t, view.Trail)
}

func TestSingleTagSnapsToAnchor(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		anchor("X", 100, 100), anchor("Y", 109, 100), anchor("W", 100, 109))

	outcomes := f.feed("T1", t0, map[string]float64{"X": 0.40, "Y": 9.0, "W": 9.0}, "X", "Y", "W")
	assert.Equal(t, []Outcome{OutcomeSnapped, OutcomeSnapped, OutcomeSnapped}, outcomes)

	snaps := f.rec.ofType(messages.EventSnapChanged)
	require.Len(t, snaps, 1)
	sc := snaps[0].(*messages.SnapChanged)
	assert.Equal(t, "T1", sc.TagID)
	assert.Equal(t, "X", sc.AnchorID)
	assert.Equal(t, 1, sc.BoundCount)
	assert.Equal(t, 0, sc.Index)

	updates := f.rec.positions("T1")
	require.Len(t, updates, 1)
	assert.Equal(t, pos(100, 100, 0), updates[0].Final)
	assert.Equal(t, SnapAccuracy, updates[0].Accuracy)
	assert.True(t, updates[0].Snapped)
	assert.Equal(t, "Z3", updates[0].ZoneID)

	view, _ := f.store.Get("T1")
	assert.Equal(t, "X", view.SnapAnchor)
	assert.False(t, view.Filtering)
}

func TestSnapDispersal(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		anchor("X", 100, 100), anchor("Y", 109, 100), anchor("W", 100, 109))

	ranges := map[string]float64{"X": 0.40, "Y": 9.0, "W": 9.0}
	f.feed("T1", t0, ranges, "X", "Y", "W")
	f.feed("T2", t0.Add(100*time.Millisecond), ranges, "X", "Y", "W")

	t1 := f.rec.positions("T1")
	t2 := f.rec.positions("T2")
	require.Len(t, t1, 2)
	require.Len(t, t2, 1)

	last1 := t1[len(t1)-1].Final
	assert.InDelta(t, 100.2, last1.X, 1e-9)
	assert.InDelta(t, 100, last1.Y, 1e-9)
	assert.InDelta(t, 99.8, t2[0].Final.X, 1e-9)
	assert.InDelta(t, 100, t2[0].Final.Y, 1e-9)

	sc := f.rec.ofType(messages.EventSnapChanged)
	require.Len(t, sc, 2)
	assert.Equal(t, 2, sc[1].(*messages.SnapChanged).BoundCount)
	assert.Equal(t, 1, sc[1].(*messages.SnapChanged).Index)

	// T1's earlier position moved to its trail
	view, _ := f.store.Get("T1")
	require.Len(t, view.Trail, 1)
	assert.Equal(t, pos(100, 100, 0), view.Trail[0].Position)
}

func TestSnapLayoutIsEvenCircle(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		anchor("X", 100, 100), anchor("Y", 109, 100), anchor("W", 100, 109))

	ids := []string{"T1", "T2", "T3", "T4", "T5"}
	for i, id := range ids {
		f.feed(id, t0.Add(time.Duration(i)*time.Millisecond), map[string]float64{"X": 0.3}, "X")
	}

	center := pos(100, 100, 0)
	for k, id := range ids {
		view, ok := f.store.Get(id)
		require.True(t, ok)
		require.NotNil(t, view.Fix)

		p := view.Fix.Final
		assert.InDelta(t, SnapRadius, p.Distance(center), 1e-9, id)
		theta := math.Atan2(p.Y-center.Y, p.X-center.X)
		want := 2 * math.Pi * float64(k) / float64(len(ids))
		assert.InDelta(t, math.Cos(want), math.Cos(theta), 1e-9, id)
		assert.InDelta(t, math.Sin(want), math.Sin(theta), 1e-9, id)
		assert.Equal(t, SnapAccuracy, view.Fix.Accuracy)
	}
}

func TestUnsnapResumesFusion(t *testing.T) {
	f := triangle(t, DefaultConfig())

	f.feed("T1", t0, map[string]float64{"A": 0.2}, "A")
	view, _ := f.store.Get("T1")
	require.Equal(t, "A", view.SnapAnchor)

	at := t0.Add(time.Second)
	outcomes := f.feed("T1", at, f.rangesTo(pos(3, 3, 0)), "A", "B", "C")
	assert.Equal(t, []Outcome{OutcomeWaiting, OutcomeWaiting, OutcomePublished}, outcomes)

	snaps := f.rec.ofType(messages.EventSnapChanged)
	require.Len(t, snaps, 2)
	release := snaps[1].(*messages.SnapChanged)
	assert.Empty(t, release.AnchorID)
	assert.Equal(t, "A", release.PreviousAnchor)
	assert.Equal(t, 0, release.BoundCount)

	updates := f.rec.positions("T1")
	require.Len(t, updates, 2)
	assert.False(t, updates[1].Snapped)
	assert.InDelta(t, 3, updates[1].Final.X, 1e-6)
	assert.InDelta(t, 3, updates[1].Final.Y, 1e-6)

	view, _ = f.store.Get("T1")
	assert.Empty(t, view.SnapAnchor)
}

func TestJitterSuppression(t *testing.T) {
	f := triangle(t, DefaultConfig())

	f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")
	outcomes := f.feed("T1", t0.Add(100*time.Millisecond), f.rangesTo(pos(5.05, 0, 0)), "A", "B", "C")

	assert.Equal(t, []Outcome{OutcomeSuppressed, OutcomeSuppressed, OutcomeSuppressed}, outcomes)
	assert.Len(t, f.rec.positions("T1"), 1)

	view, _ := f.store.Get("T1")
	assert.Empty(t, view.Trail)
	assert.Equal(t, uint64(3), f.engine.Stats().Reasons[string(ReasonJitter)])
}

func TestInsufficientAnchors(t *testing.T) {
	list := []anchors.Anchor{anchor("A", 0, 0), anchor("B", 10, 0), anchor("C", 0, 10)}
	list[2].Online = false
	f := newFixture(t, DefaultConfig(), list...)

	outcomes := f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")
	assert.Equal(t, []Outcome{OutcomeWaiting, OutcomeWaiting, OutcomeWaiting}, outcomes)
	assert.Empty(t, f.rec.positions("T1"))

	view, ok := f.store.Get("T1")
	require.True(t, ok)
	assert.False(t, view.Filtering)
	assert.Nil(t, view.Fix)
	assert.Len(t, view.Distances, 3)
}

func TestStaleRangesAreIgnored(t *testing.T) {
	f := triangle(t, DefaultConfig())
	r := f.rangesTo(pos(5, 0, 0))

	f.feed("T1", t0, r, "A", "B")
	outcomes := f.feed("T1", t0.Add(4*time.Second), r, "C")
	assert.Equal(t, []Outcome{OutcomeWaiting}, outcomes)

	// Stale entries are kept until overwritten
	view, _ := f.store.Get("T1")
	assert.Len(t, view.Distances, 3)
}

func TestDegenerateGeometryWaits(t *testing.T) {
	f := newFixture(t, DefaultConfig(), anchor("A", 0, 0), anchor("B", 5, 0), anchor("C", 10, 0))

	outcomes := f.feed("T1", t0, map[string]float64{"A": 3, "B": 4, "C": 8}, "A", "B", "C")
	assert.Equal(t, OutcomeWaiting, outcomes[2])
	assert.Equal(t, uint64(1), f.engine.Stats().Reasons[string(ReasonDegenerate)])
	assert.Empty(t, f.rec.positions("T1"))
}

func TestUnknownAnchorRejected(t *testing.T) {
	f := triangle(t, DefaultConfig())

	out := f.engine.Process(messages.Measurement{AnchorID: "nope", TagID: "T1", Distance: 3, ReceivedAt: t0})
	assert.Equal(t, OutcomeRejected, out)
	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.rec.all())

	out = f.engine.Process(messages.Measurement{AnchorID: "A", TagID: "T1", Distance: 25, ReceivedAt: t0})
	assert.Equal(t, OutcomeRejected, out)
	assert.Zero(t, f.store.Len())
}

func TestDynamicTagCreatedOnceBeforePositions(t *testing.T) {
	f := triangle(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		p := pos(2+float64(i), 3, 0)
		f.feed("T9", t0.Add(time.Duration(i)*500*time.Millisecond), f.rangesTo(p), "A", "B", "C")
	}

	var types []messages.EventType
	for _, ev := range f.rec.all() {
		if ev.Key() == "T9" {
			types = append(types, ev.Type())
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, messages.EventTagCreated, types[0])
	created := 0
	for _, typ := range types {
		if typ == messages.EventTagCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Greater(t, len(f.rec.positions("T9")), 1)
}

func TestEventSequenceFollowsMeasurements(t *testing.T) {
	f := triangle(t, DefaultConfig())

	for i := 0; i < 10; i++ {
		p := pos(1+float64(i)*0.5, 2, 0)
		f.feed("T1", t0.Add(time.Duration(i)*200*time.Millisecond), f.rangesTo(p), "A", "B", "C")
	}

	var last uint64
	var lastAt time.Time
	for _, ev := range f.rec.all() {
		seq := ev.GetEnvelope().Sequence
		assert.Greater(t, seq, last)
		last = seq
		if p, ok := ev.(*messages.PositionUpdated); ok {
			assert.False(t, p.At.Before(lastAt))
			lastAt = p.At
		}
	}

	view, _ := f.store.Get("T1")
	for i := 1; i < len(view.Trail); i++ {
		assert.False(t, view.Trail[i].At.Before(view.Trail[i-1].At))
	}
}

func TestAnchorSelectionPrefersConsistentRanges(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		anchor("A", 0, 0), anchor("B", 10, 0), anchor("C", 0, 10), anchor("D", 10, 10))

	r := f.rangesTo(pos(5, 0, 0))
	f.feed("T1", t0, r, "A", "B", "C")

	// A wildly inconsistent fourth range must not be chosen over the others
	r["D"] = 2
	outcomes := f.feed("T1", t0.Add(100*time.Millisecond), r, "D")
	assert.Equal(t, []Outcome{OutcomeSuppressed}, outcomes)
	require.Len(t, f.rec.positions("T1"), 1)
}

func TestDormantFilterIsReset(t *testing.T) {
	f := triangle(t, DefaultConfig())

	f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")
	f.feed("T1", t0.Add(31*time.Second), f.rangesTo(pos(3, 3, 0)), "A", "B", "C")

	updates := f.rec.positions("T1")
	require.Len(t, updates, 2)
	u := updates[1]
	assert.InDelta(t, u.Raw.X, u.Kalman.X, 1e-9)
	assert.InDelta(t, u.Raw.Y, u.Kalman.Y, 1e-9)
	assert.InDelta(t, 3, u.Final.X, 1e-6)
	assert.InDelta(t, 3, u.Final.Y, 1e-6)
}

func TestHybridAlphaWeightsKalman(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HybridAlpha = 1
	cfg.MinPositionChange = 0.01
	f := triangle(t, cfg)

	f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")
	f.feed("T1", t0.Add(100*time.Millisecond), f.rangesTo(pos(7, 2, 0)), "A", "B", "C")

	for _, u := range f.rec.positions("T1") {
		assert.InDelta(t, u.Kalman.X, u.Final.X, 1e-9)
		assert.InDelta(t, u.Kalman.Y, u.Final.Y, 1e-9)
	}

	_, err := NewEngine(Config{HybridAlpha: 1.5}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestStationarySmoothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPositionChange = 0
	f := newFixture(t, cfg,
		anchor("A", 0, 0), anchor("B", 10, 0), anchor("C", 0, 10), anchor("D", 10, 10))

	truth := pos(4, 6, 0)
	exact := f.rangesTo(truth)
	rng := rand.New(rand.NewSource(42))
	const sigma = 0.3

	for i := 0; i < 100; i++ {
		noisy := make(map[string]float64, len(exact))
		for id, d := range exact {
			noisy[id] = d + rng.NormFloat64()*sigma
		}
		f.feed("T1", t0.Add(time.Duration(i)*100*time.Millisecond), noisy, "A", "B", "C", "D")
	}

	updates := f.rec.positions("T1")
	require.Greater(t, len(updates), 50)

	var raw, final []float64
	for _, u := range updates[10:] {
		raw = append(raw, u.Raw.X)
		final = append(final, u.Final.X)
	}
	assert.Less(t, stddev(final), stddev(raw))
	assert.Less(t, stddev(final), sigma)
}

func stddev(v []float64) float64 {
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var ss float64
	for _, x := range v {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(v)))
}

func TestApplyTagUpdate(t *testing.T) {
	f := triangle(t, DefaultConfig())
	initial := 50.0
	require.NoError(t, f.engine.RegisterTag(tags.Descriptor{
		ID:      "T1",
		Person:  &tags.Person{Name: "R. Okafor", Role: "driller"},
		Battery: &initial,
	}, t0))
	f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")

	battery := 10.0
	view, err := f.engine.ApplyTagUpdate("T1", TagUpdate{Battery: &battery}, t0)
	require.NoError(t, err)
	assert.Equal(t, 10.0, view.Battery)

	lows := f.rec.ofType(messages.EventLowBattery)
	require.Len(t, lows, 1)
	assert.Equal(t, messages.EntityTag, lows[0].(*messages.LowBattery).EntityKind)

	// Still low: no second alert
	battery = 5
	_, err = f.engine.ApplyTagUpdate("T1", TagUpdate{Battery: &battery}, t0)
	require.NoError(t, err)
	assert.Len(t, f.rec.ofType(messages.EventLowBattery), 1)

	status := "emergency"
	_, err = f.engine.ApplyTagUpdate("T1", TagUpdate{Status: &status}, t0)
	require.NoError(t, err)
	emergencies := f.rec.ofType(messages.EventEmergency)
	require.Len(t, emergencies, 1)
	em := emergencies[0].(*messages.Emergency)
	require.NotNil(t, em.LastPosition)
	assert.InDelta(t, 5, em.LastPosition.X, 1e-6)
	assert.Equal(t, "Z1", em.ZoneID)

	bad := "asleep"
	_, err = f.engine.ApplyTagUpdate("T1", TagUpdate{Status: &bad}, t0)
	assert.ErrorIs(t, err, tags.ErrInvalidStatus)

	_, err = f.engine.ApplyTagUpdate("nope", TagUpdate{Battery: &battery}, t0)
	assert.ErrorIs(t, err, tags.ErrUnknownTag)

	created := f.rec.ofType(messages.EventTagCreated)
	require.Len(t, created, 1)
	assert.False(t, created[0].(*messages.TagCreated).Dynamic)
}

func TestApplyAnchorUpdate(t *testing.T) {
	f := triangle(t, DefaultConfig())

	battery := 60.0
	a, err := f.engine.ApplyAnchorUpdate("B", anchors.StatusUpdate{Battery: &battery}, t0)
	require.NoError(t, err)
	assert.Equal(t, 60.0, a.Battery)

	lows := f.rec.ofType(messages.EventLowBattery)
	require.Len(t, lows, 1)
	low := lows[0].(*messages.LowBattery)
	assert.Equal(t, messages.EntityAnchor, low.EntityKind)
	assert.Equal(t, "B", low.ID)

	offline := false
	_, err = f.engine.ApplyAnchorUpdate("C", anchors.StatusUpdate{Online: &offline}, t0)
	require.NoError(t, err)
	outcomes := f.feed("T1", t0, f.rangesTo(pos(5, 0, 0)), "A", "B", "C")
	assert.Equal(t, OutcomeWaiting, outcomes[2])

	_, err = f.engine.ApplyAnchorUpdate("nope", anchors.StatusUpdate{}, t0)
	assert.ErrorIs(t, err, anchors.ErrUnknownAnchor)
}

func TestRunDrainsQueueAndControl(t *testing.T) {
	reg, err := anchors.NewRegistry([]anchors.Anchor{anchor("A", 0, 0), anchor("B", 10, 0), anchor("C", 0, 10)})
	require.NoError(t, err)
	zc, err := zones.NewClassifier([]zones.Zone{{ID: "Z1", X: 5, Y: 0}})
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	defer bus.Close()
	sub := bus.Subscribe("test", 64)

	engine, err := NewEngine(DefaultConfig(), Deps{Anchors: reg, Tags: tags.NewStore(tags.StoreConfig{}), Zones: zc, Bus: bus}, zerolog.Nop())
	require.NoError(t, err)

	q := NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, q) }()

	truth := pos(5, 0, 0)
	for _, a := range reg.All() {
		q.Submit(messages.Measurement{AnchorID: a.ID, TagID: "T1", Distance: truth.DistanceXY(a.Position), ReceivedAt: time.Now()})
	}

	waitFor := func(typ messages.EventType) messages.Event {
		for {
			select {
			case ev := <-sub.C():
				if ev.Type() == typ {
					return ev
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s event", typ)
				return nil
			}
		}
	}

	pu := waitFor(messages.EventPositionUpdated).(*messages.PositionUpdated)
	assert.InDelta(t, 5, pu.Final.X, 1e-6)

	require.Eventually(t, engine.running.Load, time.Second, 10*time.Millisecond)
	status := "emergency"
	view, err := engine.UpdateTag(ctx, "T1", TagUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, tags.StatusEmergency, view.Status)
	waitFor(messages.EventEmergency)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
