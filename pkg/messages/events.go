package messages

import "time"

// EventType identifies the kind of event on the bus
type EventType string

const (
	EventPositionUpdated EventType = "position.updated"
	EventTagCreated      EventType = "tag.created"
	EventSnapChanged     EventType = "tag.snap"
	EventLowBattery      EventType = "alert.battery"
	EventEmergency       EventType = "alert.emergency"
)

// Entity kinds reported by LowBattery
const (
	EntityTag    = "tag"
	EntityAnchor = "anchor"
)

// Event is the interface for everything published on the bus
type Event interface {
	GetEnvelope() Envelope
	Type() EventType
	Subject() string
	// Key groups events whose relative order must be preserved
	Key() string
}

// PositionUpdated is emitted when a tag's fused position is committed
type PositionUpdated struct {
	Envelope Envelope `json:"envelope"`

	TagID       string    `json:"tag_id"`
	Raw         Position  `json:"raw"`
	Kalman      Position  `json:"kalman"`
	Mean        Position  `json:"mean"`
	Final       Position  `json:"final"`
	Accuracy    float64   `json:"accuracy_m"`
	AnchorsUsed []string  `json:"anchors_used"`
	ZoneID      string    `json:"zone_id"`
	Snapped     bool      `json:"snapped"`
	At          time.Time `json:"at"`
}

func (e *PositionUpdated) GetEnvelope() Envelope { return e.Envelope }
func (e *PositionUpdated) Type() EventType       { return EventPositionUpdated }
func (e *PositionUpdated) Subject() string       { return "position.updated." + e.TagID }
func (e *PositionUpdated) Key() string           { return e.TagID }

// TagCreated is emitted once when a tag is first seen or registered
type TagCreated struct {
	Envelope Envelope `json:"envelope"`

	TagID   string    `json:"tag_id"`
	Dynamic bool      `json:"dynamic"`
	At      time.Time `json:"at"`
}

func (e *TagCreated) GetEnvelope() Envelope { return e.Envelope }
func (e *TagCreated) Type() EventType       { return EventTagCreated }
func (e *TagCreated) Subject() string       { return "tag.created." + e.TagID }
func (e *TagCreated) Key() string           { return e.TagID }

// SnapChanged is emitted when a tag binds to or releases an anchor.
// AnchorID is empty on release; BoundCount is the number of tags bound to
// the affected anchor after the change.
type SnapChanged struct {
	Envelope Envelope `json:"envelope"`

	TagID          string    `json:"tag_id"`
	AnchorID       string    `json:"anchor_id,omitempty"`
	PreviousAnchor string    `json:"previous_anchor,omitempty"`
	Index          int       `json:"index"`
	BoundCount     int       `json:"bound_count"`
	At             time.Time `json:"at"`
}

func (e *SnapChanged) GetEnvelope() Envelope { return e.Envelope }
func (e *SnapChanged) Type() EventType       { return EventSnapChanged }
func (e *SnapChanged) Subject() string       { return "tag.snap." + e.TagID }
func (e *SnapChanged) Key() string           { return e.TagID }

// LowBattery is emitted when an anchor or tag battery drops below its threshold
type LowBattery struct {
	Envelope Envelope `json:"envelope"`

	EntityKind string    `json:"entity_kind"`
	ID         string    `json:"id"`
	Battery    float64   `json:"battery"`
	At         time.Time `json:"at"`
}

func (e *LowBattery) GetEnvelope() Envelope { return e.Envelope }
func (e *LowBattery) Type() EventType       { return EventLowBattery }
func (e *LowBattery) Subject() string       { return "alert.battery." + e.EntityKind + "." + e.ID }
func (e *LowBattery) Key() string           { return e.ID }

// Emergency is emitted when a tag enters the emergency status
type Emergency struct {
	Envelope Envelope `json:"envelope"`

	TagID        string    `json:"tag_id"`
	At           time.Time `json:"at"`
	LastPosition *Position `json:"last_position,omitempty"`
	ZoneID       string    `json:"zone_id,omitempty"`
}

func (e *Emergency) GetEnvelope() Envelope { return e.Envelope }
func (e *Emergency) Type() EventType       { return EventEmergency }
func (e *Emergency) Subject() string       { return "alert.emergency." + e.TagID }
func (e *Emergency) Key() string           { return e.TagID }
