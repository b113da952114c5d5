// Package tags holds the per-tag state mutated by the fusion worker
package tags

import (
	"errors"
	"fmt"
	"time"

	"github.com/agile-defense/minetrack/pkg/kalman"
	"github.com/agile-defense/minetrack/pkg/messages"
)

// LowBatteryThreshold is the percentage below which a tag counts as low on battery
const LowBatteryThreshold = 20.0

// Status is the operational status of a tag
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusEmergency Status = "emergency"
)

var ErrInvalidStatus = errors.New("invalid tag status")

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusInactive, StatusEmergency:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Person is the opaque descriptor of whoever carries the tag
type Person struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Range is one entry of a tag's distance table
type Range struct {
	Distance   float64   `json:"distance_m"`
	ObservedAt time.Time `json:"observed_at"`
}

// Fix is a committed fusion result
type Fix struct {
	Raw         messages.Position `json:"raw"`
	Kalman      messages.Position `json:"kalman"`
	Mean        messages.Position `json:"mean"`
	Final       messages.Position `json:"final"`
	Accuracy    float64           `json:"accuracy_m"`
	AnchorsUsed []string          `json:"anchors_used"`
	ZoneID      string            `json:"zone_id"`
	Snapped     bool              `json:"snapped"`
	At          time.Time         `json:"at"`
}

// TrailPoint is one entry of a tag's position history
type TrailPoint struct {
	Position messages.Position `json:"position"`
	ZoneID   string            `json:"zone_id"`
	At       time.Time         `json:"at"`
}

// Descriptor holds the attributes of a pre-registered tag
type Descriptor struct {
	ID      string  `json:"id"`
	Person  *Person `json:"person,omitempty"`
	Battery *float64 `json:"battery,omitempty"` // nil keeps the default
	Status  Status   `json:"status,omitempty"`
}

// Tag is the mutable record owned by the fusion worker
type Tag struct {
	ID       string
	Person   *Person
	Battery  float64
	Status   Status
	Dynamic  bool
	Created  time.Time
	LastSeen time.Time

	Distances map[string]Range

	Filter    *kalman.Filter // nil until the first successful trilateration
	RawRing   *Ring[messages.Position]
	Trail     *Ring[TrailPoint]
	LastFixAt time.Time // last successful trilateration

	SnapAnchor string // empty when not snapped

	Fix *Fix // last published result

	// ForcePublish bypasses the jitter gate for the next fix after a snap transition
	ForcePublish bool

	// Sequence counts events emitted for this tag
	Sequence uint64
}

// NextSequence returns the next per-tag event sequence number
func (t *Tag) NextSequence() uint64 {
	t.Sequence++
	return t.Sequence
}

// ResetFilter drops the Kalman state and the raw ring
func (t *Tag) ResetFilter() {
	t.Filter = nil
	t.RawRing.Reset()
}

// AppendTrail pushes a point, clamping its timestamp so the trail never goes back in time
func (t *Tag) AppendTrail(p TrailPoint) {
	if last, ok := t.Trail.Last(); ok && p.At.Before(last.At) {
		p.At = last.At
	}
	t.Trail.Push(p)
}

// View is an immutable copy of a tag handed to readers
type View struct {
	ID         string           `json:"id"`
	Person     *Person          `json:"person,omitempty"`
	Battery    float64          `json:"battery"`
	Status     Status           `json:"status"`
	Dynamic    bool             `json:"dynamic"`
	Created    time.Time        `json:"created"`
	LastSeen   time.Time        `json:"last_seen"`
	Distances  map[string]Range `json:"distances"`
	Fix        *Fix             `json:"fix,omitempty"`
	Trail      []TrailPoint     `json:"trail"`
	SnapAnchor string           `json:"snap_anchor,omitempty"`
	Filtering  bool             `json:"filtering"`
	Velocity   [2]float64       `json:"velocity"`
}

// LowBattery reports whether the tag battery is under the alert threshold
func (v View) LowBattery() bool {
	return v.Battery < LowBatteryThreshold
}

func (t *Tag) view() View {
	v := View{
		ID:         t.ID,
		Battery:    t.Battery,
		Status:     t.Status,
		Dynamic:    t.Dynamic,
		Created:    t.Created,
		LastSeen:   t.LastSeen,
		Distances:  make(map[string]Range, len(t.Distances)),
		Trail:      t.Trail.Items(),
		SnapAnchor: t.SnapAnchor,
		Filtering:  t.Filter != nil,
	}
	if t.Person != nil {
		p := *t.Person
		v.Person = &p
	}
	for k, r := range t.Distances {
		v.Distances[k] = r
	}
	if t.Fix != nil {
		f := *t.Fix
		f.AnchorsUsed = append([]string(nil), t.Fix.AnchorsUsed...)
		v.Fix = &f
	}
	if t.Filter != nil {
		v.Velocity[0], v.Velocity[1] = t.Filter.Velocity()
	}
	return v
}
