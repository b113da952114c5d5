// Package fusion turns per-anchor ranges into published tag positions.
//
// A single worker owns all tag state. For every measurement it updates the
// tag's distance table, then either snaps the tag to a nearby anchor or
// trilaterates it from three live anchors, filters the fix (Kalman blended
// with a moving average), gates small moves, assigns a zone and publishes.
package fusion

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/codec"
	"github.com/agile-defense/minetrack/pkg/kalman"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/tags"
	"github.com/agile-defense/minetrack/pkg/zones"
)

// Defaults for Config fields left at zero
const (
	DefaultMinPositionChange = 0.20
	DefaultStaleness         = 3 * time.Second
	DefaultDormancy          = 30 * time.Second
	DefaultHybridAlpha       = 0.6
)

// Outcome is what the worker did with one measurement
type Outcome string

const (
	OutcomePublished  Outcome = "published"
	OutcomeWaiting    Outcome = "waiting"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSnapped    Outcome = "snapped"
	OutcomeRejected   Outcome = "rejected"
)

// Reason qualifies an Outcome in metrics and statistics
type Reason string

const (
	ReasonFix                 Reason = "fix"
	ReasonInsufficientAnchors Reason = "insufficient_anchors"
	ReasonDegenerate          Reason = "degenerate"
	ReasonFilter              Reason = "filter"
	ReasonJitter              Reason = "jitter"
	ReasonSnapBound           Reason = "bound"
	ReasonSnapUnchanged       Reason = "unchanged"
	ReasonUnknownAnchor       Reason = "unknown_anchor"
	ReasonOutOfRange          Reason = "out_of_range"
)

// Config tunes the pipeline. HybridAlpha is the Kalman weight of the final
// blend and is used as given; DefaultConfig sets it.
type Config struct {
	SnapDistance      float64
	MinPositionChange float64
	Staleness         time.Duration
	Dormancy          time.Duration
	HybridAlpha       float64
	Use3DSolver       bool
	Kalman            kalman.Config
}

// DefaultConfig returns the stock pipeline settings
func DefaultConfig() Config {
	return Config{
		SnapDistance:      DefaultSnapDistance,
		MinPositionChange: DefaultMinPositionChange,
		Staleness:         DefaultStaleness,
		Dormancy:          DefaultDormancy,
		HybridAlpha:       DefaultHybridAlpha,
		Kalman: kalman.Config{
			Q:  kalman.DefaultQ,
			R:  kalman.DefaultR,
			Dt: kalman.DefaultDt,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.SnapDistance <= 0 {
		c.SnapDistance = DefaultSnapDistance
	}
	if c.MinPositionChange < 0 {
		c.MinPositionChange = DefaultMinPositionChange
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	return c
}

// Publisher receives the events produced by the worker
type Publisher interface {
	Publish(ev messages.Event)
}

// Deps are the collaborators an Engine works against
type Deps struct {
	Anchors *anchors.Registry
	Tags    *tags.Store
	Zones   *zones.Classifier
	Bus     Publisher
	Metrics *Metrics
}

// Stats counts worker outcomes since start
type Stats struct {
	Processed  uint64            `json:"processed"`
	Published  uint64            `json:"published"`
	Waiting    uint64            `json:"waiting"`
	Suppressed uint64            `json:"suppressed"`
	Snapped    uint64            `json:"snapped"`
	Rejected   uint64            `json:"rejected"`
	Reasons    map[string]uint64 `json:"reasons"`
}

// Engine is the fusion worker
type Engine struct {
	cfg     Config
	anchors *anchors.Registry
	store   *tags.Store
	zones   *zones.Classifier
	bus     Publisher
	metrics *Metrics
	logger  zerolog.Logger

	snaps   *SnapTable
	unknown map[string]bool

	control chan func()
	running atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates the fusion worker
func NewEngine(cfg Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if cfg.HybridAlpha < 0 || cfg.HybridAlpha > 1 {
		return nil, fmt.Errorf("hybrid alpha %.3f outside [0, 1]", cfg.HybridAlpha)
	}
	if deps.Anchors == nil || deps.Tags == nil || deps.Zones == nil || deps.Bus == nil {
		return nil, fmt.Errorf("fusion engine requires anchors, tags, zones and bus")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil, nil)
	}

	return &Engine{
		cfg:     cfg.withDefaults(),
		anchors: deps.Anchors,
		store:   deps.Tags,
		zones:   deps.Zones,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger.With().Str("component", "fusion").Logger(),
		snaps:   NewSnapTable(),
		unknown: make(map[string]bool),
		control: make(chan func()),
		stats:   Stats{Reasons: make(map[string]uint64)},
	}, nil
}

// Config returns the effective pipeline settings
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats returns a copy of the outcome counters
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	s.Reasons = make(map[string]uint64, len(e.stats.Reasons))
	for k, v := range e.stats.Reasons {
		s.Reasons[k] = v
	}
	return s
}

func (e *Engine) count(o Outcome, r Reason, d time.Duration) {
	e.metrics.record(o, r, d)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Processed++
	switch o {
	case OutcomePublished:
		e.stats.Published++
	case OutcomeWaiting:
		e.stats.Waiting++
	case OutcomeSuppressed:
		e.stats.Suppressed++
	case OutcomeSnapped:
		e.stats.Snapped++
	case OutcomeRejected:
		e.stats.Rejected++
	}
	e.stats.Reasons[string(r)]++
}

// step collects the result of fusing one measurement
type step struct {
	outcome  Outcome
	reason   Reason
	events   []messages.Event
	relayout []string
}

func (s *step) emit(ev messages.Event) {
	s.events = append(s.events, ev)
}

func (s *step) result(o Outcome, r Reason) {
	s.outcome, s.reason = o, r
}

// candidate is a live range to an online anchor
type candidate struct {
	anchor   anchors.Anchor
	distance float64
}

// Process fuses one measurement. It must only be called from the worker
// goroutine (or from tests that own the engine exclusively).
func (e *Engine) Process(m messages.Measurement) Outcome {
	start := time.Now()
	st := e.process(m)
	for _, ev := range st.events {
		e.bus.Publish(ev)
	}
	e.count(st.outcome, st.reason, time.Since(start))
	return st.outcome
}

func (e *Engine) process(m messages.Measurement) *step {
	st := &step{}

	if _, ok := e.anchors.Get(m.AnchorID); !ok {
		if !e.unknown[m.AnchorID] {
			e.unknown[m.AnchorID] = true
			e.logger.Warn().Str("anchor_id", m.AnchorID).Str("tag_id", m.TagID).Msg("Measurement from unknown anchor")
		}
		st.result(OutcomeRejected, ReasonUnknownAnchor)
		return st
	}
	if !codec.ValidDistance(m.Distance) {
		st.result(OutcomeRejected, ReasonOutOfRange)
		return st
	}

	now := m.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	e.store.Mutate(m.TagID, now, true, func(t *tags.Tag, created bool) {
		e.fuse(st, t, created, m, now)
	})

	for _, anchorID := range st.relayout {
		e.relayout(st, anchorID, m, now)
	}
	return st
}

func (e *Engine) fuse(st *step, t *tags.Tag, created bool, m messages.Measurement, now time.Time) {
	if created {
		e.logger.Info().Str("tag_id", t.ID).Str("anchor_id", m.AnchorID).Msg("Dynamic tag created")
		st.emit(&messages.TagCreated{
			Envelope: e.envelope(t, m, now),
			TagID:    t.ID,
			Dynamic:  true,
			At:       now,
		})
	}

	if now.After(t.LastSeen) {
		t.LastSeen = now
	}
	t.Distances[m.AnchorID] = tags.Range{Distance: m.Distance, ObservedAt: now}

	if t.Filter != nil && e.cfg.Dormancy > 0 && now.Sub(t.LastFixAt) > e.cfg.Dormancy {
		e.logger.Debug().Str("tag_id", t.ID).Dur("idle", now.Sub(t.LastFixAt)).Msg("Resetting dormant filter")
		t.ResetFilter()
	}

	live := e.liveCandidates(t, now)

	if c, ok := e.snapCandidate(live); ok {
		e.snap(st, t, c.anchor, m, now)
		return
	}
	if t.SnapAnchor != "" {
		e.unsnap(st, t, m, now)
	}

	if len(live) < 3 {
		st.result(OutcomeWaiting, ReasonInsufficientAnchors)
		return
	}

	selected := e.selectAnchors(t, live)
	x, y, err := Trilaterate2D(
		selected[0].anchor.Position, selected[1].anchor.Position, selected[2].anchor.Position,
		selected[0].distance, selected[1].distance, selected[2].distance,
	)
	if err != nil {
		st.result(OutcomeWaiting, ReasonDegenerate)
		return
	}

	positions := make([]messages.Position, len(selected))
	ranges := make([]float64, len(selected))
	used := make([]string, len(selected))
	var z float64
	for i, c := range selected {
		positions[i] = c.anchor.Position
		ranges[i] = c.distance
		used[i] = c.anchor.ID
		z += c.anchor.Position.Z
	}
	z /= float64(len(selected))

	if e.cfg.Use3DSolver && len(live) >= 4 {
		all := make([]messages.Position, len(live))
		allRanges := make([]float64, len(live))
		for i, c := range live {
			all[i] = c.anchor.Position
			allRanges[i] = c.distance
		}
		if p, err := LeastSquares3D(all, allRanges); err == nil {
			z = p.Z
		}
	}
	raw := messages.Position{X: x, Y: y, Z: z}

	var kx, ky float64
	if t.Filter == nil {
		t.Filter = kalman.New(e.cfg.Kalman, x, y)
		kx, ky = x, y
	} else if kx, ky, err = t.Filter.Step(x, y); err != nil {
		t.ResetFilter()
		st.result(OutcomeWaiting, ReasonFilter)
		return
	}
	t.LastFixAt = now

	t.RawRing.Push(raw)
	mean := meanPosition(t.RawRing.Items())

	alpha := e.cfg.HybridAlpha
	final := messages.Position{
		X: alpha*kx + (1-alpha)*mean.X,
		Y: alpha*ky + (1-alpha)*mean.Y,
		Z: z,
	}
	if !final.IsFinite() {
		t.ResetFilter()
		st.result(OutcomeWaiting, ReasonFilter)
		return
	}

	if t.Fix != nil && !t.ForcePublish && final.Distance(t.Fix.Final) < e.cfg.MinPositionChange {
		st.result(OutcomeSuppressed, ReasonJitter)
		return
	}

	e.commit(t, tags.Fix{
		Raw:         raw,
		Kalman:      messages.Position{X: kx, Y: ky, Z: z},
		Mean:        mean,
		Final:       final,
		Accuracy:    rmse(final, positions, ranges),
		AnchorsUsed: used,
		ZoneID:      e.zoneOf(final),
		At:          now,
	}, m, st.emit)
	st.result(OutcomePublished, ReasonFix)
}

// liveCandidates returns non-stale ranges to online anchors in registry order
func (e *Engine) liveCandidates(t *tags.Tag, now time.Time) []candidate {
	var out []candidate
	for _, a := range e.anchors.Online() {
		r, ok := t.Distances[a.ID]
		if !ok || now.Sub(r.ObservedAt) > e.cfg.Staleness {
			continue
		}
		out = append(out, candidate{anchor: a, distance: r.Distance})
	}
	return out
}

// snapCandidate picks the closest live anchor within the snap distance.
// Equal distances go to the lower anchor id.
func (e *Engine) snapCandidate(live []candidate) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range live {
		if c.distance > e.cfg.SnapDistance {
			continue
		}
		if !found || c.distance < best.distance || (c.distance == best.distance && c.anchor.ID < best.anchor.ID) {
			best, found = c, true
		}
	}
	return best, found
}

// selectAnchors keeps three candidates. With a current fix and a choice to
// make, candidates whose range best agrees with the fix win.
func (e *Engine) selectAnchors(t *tags.Tag, live []candidate) []candidate {
	if t.Fix == nil || len(live) <= 3 {
		return live[:3]
	}

	current := t.Fix.Final
	ranked := append([]candidate(nil), live...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return residual(ranked[i], current) < residual(ranked[j], current)
	})
	return ranked[:3]
}

func residual(c candidate, p messages.Position) float64 {
	r := c.distance - c.anchor.Position.Distance(p)
	if r < 0 {
		return -r
	}
	return r
}

func (e *Engine) snap(st *step, t *tags.Tag, anchor anchors.Anchor, m messages.Measurement, now time.Time) {
	previous, changed := e.snaps.Bind(anchor.ID, t.ID)
	_, index, n, _ := e.snaps.Lookup(t.ID)

	if changed {
		t.SnapAnchor = anchor.ID
		t.ForcePublish = true
		if previous != "" {
			st.relayout = append(st.relayout, previous)
		}
		st.relayout = append(st.relayout, anchor.ID)

		e.logger.Debug().Str("tag_id", t.ID).Str("anchor_id", anchor.ID).Int("index", index).Int("bound", n).Msg("Tag snapped")
		st.emit(&messages.SnapChanged{
			Envelope:       e.envelope(t, m, now),
			TagID:          t.ID,
			AnchorID:       anchor.ID,
			PreviousAnchor: previous,
			Index:          index,
			BoundCount:     n,
			At:             now,
		})
	}

	pos := SnapPosition(anchor.Position, index, n)
	if !t.ForcePublish && t.Fix != nil && t.Fix.Snapped && t.Fix.Final == pos {
		st.result(OutcomeSnapped, ReasonSnapUnchanged)
		return
	}

	e.commitSnap(t, anchor, pos, m, now, st.emit)
	st.result(OutcomeSnapped, ReasonSnapBound)
}

func (e *Engine) unsnap(st *step, t *tags.Tag, m messages.Measurement, now time.Time) {
	previous, _ := e.snaps.Release(t.ID)
	t.SnapAnchor = ""
	t.ForcePublish = true
	t.ResetFilter()
	if previous != "" {
		st.relayout = append(st.relayout, previous)
	}

	e.logger.Debug().Str("tag_id", t.ID).Str("anchor_id", previous).Msg("Tag released")
	st.emit(&messages.SnapChanged{
		Envelope:       e.envelope(t, m, now),
		TagID:          t.ID,
		PreviousAnchor: previous,
		BoundCount:     e.snaps.Count(previous),
		At:             now,
	})
}

// relayout moves the other tags bound to an anchor after its bound count changed
func (e *Engine) relayout(st *step, anchorID string, m messages.Measurement, now time.Time) {
	anchor, ok := e.anchors.Get(anchorID)
	if !ok {
		return
	}
	e.store.MutateAll(e.snaps.Bound(anchorID), func(t *tags.Tag) {
		if t.ID == m.TagID {
			return
		}
		_, index, n, ok := e.snaps.Lookup(t.ID)
		if !ok {
			return
		}
		pos := SnapPosition(anchor.Position, index, n)
		if t.Fix != nil && t.Fix.Snapped && t.Fix.Final == pos {
			return
		}
		e.commitSnap(t, anchor, pos, m, now, st.emit)
	})
}

func (e *Engine) commitSnap(t *tags.Tag, anchor anchors.Anchor, pos messages.Position, m messages.Measurement, now time.Time, emit func(messages.Event)) {
	e.commit(t, tags.Fix{
		Raw:         pos,
		Kalman:      pos,
		Mean:        pos,
		Final:       pos,
		Accuracy:    SnapAccuracy,
		AnchorsUsed: []string{anchor.ID},
		ZoneID:      e.zoneOf(pos),
		Snapped:     true,
		At:          now,
	}, m, emit)
}

// commit moves the previous fix to the trail, stores the new one and emits it
func (e *Engine) commit(t *tags.Tag, fix tags.Fix, m messages.Measurement, emit func(messages.Event)) {
	if t.Fix != nil {
		t.AppendTrail(tags.TrailPoint{Position: t.Fix.Final, ZoneID: t.Fix.ZoneID, At: t.Fix.At})
	}
	t.Fix = &fix
	t.ForcePublish = false

	emit(&messages.PositionUpdated{
		Envelope:    e.envelope(t, m, fix.At),
		TagID:       t.ID,
		Raw:         fix.Raw,
		Kalman:      fix.Kalman,
		Mean:        fix.Mean,
		Final:       fix.Final,
		Accuracy:    fix.Accuracy,
		AnchorsUsed: append([]string(nil), fix.AnchorsUsed...),
		ZoneID:      fix.ZoneID,
		Snapped:     fix.Snapped,
		At:          fix.At,
	})
}

func (e *Engine) envelope(t *tags.Tag, m messages.Measurement, now time.Time) messages.Envelope {
	return messages.NewEnvelope("fusion", "fusion", now).
		WithCorrelation(m.BatchID).
		WithSequence(t.NextSequence())
}

func (e *Engine) zoneOf(p messages.Position) string {
	if z, ok := e.zones.Classify(p); ok {
		return z.ID
	}
	return ""
}

func meanPosition(ps []messages.Position) messages.Position {
	var sum messages.Position
	for _, p := range ps {
		sum = sum.Add(p)
	}
	n := float64(len(ps))
	return messages.Position{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
}
