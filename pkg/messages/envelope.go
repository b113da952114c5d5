// Package messages defines the records that flow between the ingest, fusion and consumer layers
package messages

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Envelope contains metadata common to all published events
type Envelope struct {
	// Identity
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id,omitempty"` // Measurement batch that caused this event
	Sequence      uint64 `json:"sequence"`                 // Per-tag emission order

	// Routing
	Source     string `json:"source"`      // Component that produced the event
	SourceType string `json:"source_type"` // fusion, registry, control

	// Timing
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope creates a new envelope with a generated ID
func NewEnvelope(source, sourceType string, at time.Time) Envelope {
	return Envelope{
		MessageID:  uuid.New().String(),
		Source:     source,
		SourceType: sourceType,
		Timestamp:  at.UTC(),
	}
}

// WithCorrelation sets the correlation ID
func (e Envelope) WithCorrelation(correlationID string) Envelope {
	e.CorrelationID = correlationID
	return e
}

// WithSequence sets the per-tag sequence number
func (e Envelope) WithSequence(seq uint64) Envelope {
	e.Sequence = seq
	return e
}

// Position is a point in the site frame: right-handed, meters, Z up
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns p + o
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p - o
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Distance is the 3D Euclidean distance between p and o
func (p Position) Distance(o Position) float64 {
	d := p.Sub(o)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// DistanceXY is the distance between p and o projected on the horizontal plane
func (p Position) DistanceXY(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// IsFinite reports whether every coordinate is a finite number
func (p Position) IsFinite() bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
