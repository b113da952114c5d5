package fusion

import (
	"context"
	"fmt"
	"time"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/tags"
)

// TagUpdate carries out-of-band tag attributes. Nil fields are left unchanged.
type TagUpdate struct {
	Battery *float64     `json:"battery,omitempty"`
	Status  *string      `json:"status,omitempty"`
	Person  *tags.Person `json:"person,omitempty"`
}

// Run drains the queue until ctx is cancelled. Control operations submitted
// through UpdateTag and UpdateAnchor run on the same goroutine so tag state
// keeps a single writer.
func (e *Engine) Run(ctx context.Context, q *Queue) error {
	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Info().
		Float64("snap_distance_m", e.cfg.SnapDistance).
		Float64("min_position_change_m", e.cfg.MinPositionChange).
		Dur("staleness", e.cfg.Staleness).
		Float64("hybrid_alpha", e.cfg.HybridAlpha).
		Msg("Fusion worker started")

	for {
		select {
		case <-ctx.Done():
			s := e.Stats()
			e.logger.Info().
				Uint64("processed", s.Processed).
				Uint64("published", s.Published).
				Uint64("waiting", s.Waiting).
				Uint64("suppressed", s.Suppressed).
				Msg("Fusion worker stopped")
			return nil
		case op := <-e.control:
			op()
		case <-q.Ready():
			for {
				m, ok := q.TryPop()
				if !ok {
					break
				}
				e.Process(m)

				select {
				case op := <-e.control:
					op()
				default:
				}
				if ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// do runs fn on the worker goroutine, or inline when no worker is running
func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		fn()
		return nil
	}

	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case e.control <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateTag applies a tag update on the worker goroutine
func (e *Engine) UpdateTag(ctx context.Context, id string, u TagUpdate) (tags.View, error) {
	var (
		view tags.View
		err  error
	)
	if doErr := e.do(ctx, func() { view, err = e.ApplyTagUpdate(id, u, time.Now().UTC()) }); doErr != nil {
		return tags.View{}, doErr
	}
	return view, err
}

// UpdateAnchor applies an anchor status update on the worker goroutine
func (e *Engine) UpdateAnchor(ctx context.Context, id string, u anchors.StatusUpdate) (anchors.Anchor, error) {
	var (
		anchor anchors.Anchor
		err    error
	)
	if doErr := e.do(ctx, func() { anchor, err = e.ApplyAnchorUpdate(id, u, time.Now().UTC()) }); doErr != nil {
		return anchors.Anchor{}, doErr
	}
	return anchor, err
}

// ApplyTagUpdate changes battery, status or person of a tag and emits
// LowBattery when the battery crosses below its threshold and Emergency when
// the status enters emergency.
func (e *Engine) ApplyTagUpdate(id string, u TagUpdate, now time.Time) (tags.View, error) {
	var status tags.Status
	if u.Status != nil {
		s, err := tags.ParseStatus(*u.Status)
		if err != nil {
			return tags.View{}, err
		}
		status = s
	}

	var events []messages.Event
	found := e.store.Mutate(id, now, false, func(t *tags.Tag, _ bool) {
		if u.Person != nil {
			p := *u.Person
			t.Person = &p
		}

		if u.Battery != nil {
			before := t.Battery
			t.Battery = clampPercent(*u.Battery)
			if before >= tags.LowBatteryThreshold && t.Battery < tags.LowBatteryThreshold {
				events = append(events, &messages.LowBattery{
					Envelope:   e.controlEnvelope(now).WithSequence(t.NextSequence()),
					EntityKind: messages.EntityTag,
					ID:         t.ID,
					Battery:    t.Battery,
					At:         now,
				})
			}
		}

		if u.Status != nil {
			before := t.Status
			t.Status = status
			if status == tags.StatusEmergency && before != tags.StatusEmergency {
				ev := &messages.Emergency{
					Envelope: e.controlEnvelope(now).WithSequence(t.NextSequence()),
					TagID:    t.ID,
					At:       now,
				}
				if t.Fix != nil {
					p := t.Fix.Final
					ev.LastPosition = &p
					ev.ZoneID = t.Fix.ZoneID
				}
				events = append(events, ev)
			}
		}
	})
	if !found {
		return tags.View{}, fmt.Errorf("%w: %s", tags.ErrUnknownTag, id)
	}

	for _, ev := range events {
		if ev.Type() == messages.EventEmergency {
			e.logger.Warn().Str("tag_id", id).Msg("Tag emergency")
		}
		e.bus.Publish(ev)
	}

	view, _ := e.store.Get(id)
	return view, nil
}

// ApplyAnchorUpdate changes anchor status and emits LowBattery when the
// battery crosses below the anchor threshold
func (e *Engine) ApplyAnchorUpdate(id string, u anchors.StatusUpdate, now time.Time) (anchors.Anchor, error) {
	before, after, err := e.anchors.SetStatus(id, u)
	if err != nil {
		return anchors.Anchor{}, err
	}

	if before.Online != after.Online {
		e.logger.Info().Str("anchor_id", id).Bool("online", after.Online).Msg("Anchor status changed")
	}
	if before.Battery >= anchors.LowBatteryThreshold && after.Battery < anchors.LowBatteryThreshold {
		e.bus.Publish(&messages.LowBattery{
			Envelope:   e.controlEnvelope(now),
			EntityKind: messages.EntityAnchor,
			ID:         id,
			Battery:    after.Battery,
			At:         now,
		})
	}
	return after, nil
}

// RegisterTag adds a pre-registered tag and announces it
func (e *Engine) RegisterTag(d tags.Descriptor, now time.Time) error {
	if err := e.store.Register(d, now); err != nil {
		return err
	}

	var ev *messages.TagCreated
	e.store.Mutate(d.ID, now, false, func(t *tags.Tag, _ bool) {
		ev = &messages.TagCreated{
			Envelope: e.controlEnvelope(now).WithSequence(t.NextSequence()),
			TagID:    t.ID,
			At:       now,
		}
	})
	if ev != nil {
		e.bus.Publish(ev)
	}
	return nil
}

func (e *Engine) controlEnvelope(now time.Time) messages.Envelope {
	return messages.NewEnvelope("fusion", "control", now)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
