package messages

import "time"

// Measurement sources
const (
	SourceTCP        = "tcp"
	SourceSimulation = "simulation"
)

// Measurement is a single anchor-to-tag range
type Measurement struct {
	AnchorID   string    `json:"anchor_id"`
	TagID      string    `json:"tag_id"`
	Distance   float64   `json:"distance_m"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
}

// Key identifies the (anchor, tag) pair a measurement belongs to
func (m Measurement) Key() PairKey {
	return PairKey{AnchorID: m.AnchorID, TagID: m.TagID}
}

// PairKey is the coalescing key used by the fusion queue
type PairKey struct {
	AnchorID string
	TagID    string
}

// Batch is the decoded content of one wire frame: every tag one anchor ranged to
type Batch struct {
	ID           string        `json:"id"`
	AnchorID     string        `json:"anchor_id"`
	SentAt       time.Time     `json:"sent_at,omitempty"`
	ReceivedAt   time.Time     `json:"received_at"`
	Measurements []Measurement `json:"measurements"`
	Dropped      int           `json:"dropped"` // Elements rejected while parsing
}

// LocationRecord is the append-only row handed to persistence collaborators
type LocationRecord struct {
	TagID     string    `json:"tag_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	ZoneID    string    `json:"zone_id"`
	AccuracyM float64   `json:"accuracy_m"`
	At        time.Time `json:"at"`
}
