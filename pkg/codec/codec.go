// Package codec decodes the anchor ranging protocol: a TCP byte stream of
// concatenated JSON objects with no separator.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// Accepted distance range in meters
const (
	MinDistance = 0.0
	MaxDistance = 20.0
)

var (
	// ErrMissingField marks a well-formed object that is not a measurement frame
	ErrMissingField = errors.New("frame missing anchor_id or measurements")
	// ErrMalformed marks bytes that are not valid JSON
	ErrMalformed = errors.New("malformed frame")
)

// ValidDistance reports whether d is inside the accepted ranging window
func ValidDistance(d float64) bool {
	return d >= MinDistance && d <= MaxDistance
}

type nestedDistance struct {
	Distance *float64 `json:"distance"`
}

// Parse decodes a single JSON object into a batch. Elements with a missing
// id or an unusable distance are dropped and counted; the rest of the frame
// is kept.
func Parse(frame []byte, receivedAt time.Time) (messages.Batch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return messages.Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	anchorRaw, okAnchor := raw["anchor_id"]
	measRaw, okMeas := raw["measurements"]
	if !okAnchor || !okMeas {
		return messages.Batch{}, ErrMissingField
	}

	anchorID, ok := parseID(anchorRaw)
	if !ok {
		return messages.Batch{}, ErrMissingField
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(measRaw, &elements); err != nil {
		return messages.Batch{}, ErrMissingField
	}

	batch := messages.Batch{
		ID:           uuid.New().String(),
		AnchorID:     anchorID,
		ReceivedAt:   receivedAt,
		Measurements: make([]messages.Measurement, 0, len(elements)),
	}

	if tsRaw, ok := raw["timestamp"]; ok {
		var ts string
		if json.Unmarshal(tsRaw, &ts) == nil {
			if sent, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				batch.SentAt = sent
			}
		}
	}

	for _, el := range elements {
		m, ok := parseElement(el)
		if !ok {
			batch.Dropped++
			continue
		}
		m.AnchorID = anchorID
		m.ReceivedAt = receivedAt
		m.BatchID = batch.ID
		batch.Measurements = append(batch.Measurements, m)
	}

	return batch, nil
}

func parseElement(el json.RawMessage) (messages.Measurement, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(el, &fields); err != nil {
		return messages.Measurement{}, false
	}

	tagRaw, ok := fields["tag_id"]
	if !ok {
		return messages.Measurement{}, false
	}
	tagID, ok := parseID(tagRaw)
	if !ok {
		return messages.Measurement{}, false
	}

	d, ok := parseDistance(fields)
	if !ok || !ValidDistance(d) {
		return messages.Measurement{}, false
	}

	return messages.Measurement{TagID: tagID, Distance: d}, true
}

// parseDistance accepts "distance(m)": {"distance": n}, "distance": n and "distance_m": n
func parseDistance(fields map[string]json.RawMessage) (float64, bool) {
	if nested, ok := fields["distance(m)"]; ok {
		var nd nestedDistance
		if err := json.Unmarshal(nested, &nd); err == nil && nd.Distance != nil {
			return *nd.Distance, true
		}
		return 0, false
	}
	for _, key := range []string{"distance", "distance_m"} {
		if v, ok := fields[key]; ok {
			var d float64
			if err := json.Unmarshal(v, &d); err != nil {
				return 0, false
			}
			return d, true
		}
	}
	return 0, false
}

// parseID accepts a non-empty string or an integer
func parseID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10), true
		}
	}
	return "", false
}

// Frame is the wire representation of a measurement frame, used by emitters
type Frame struct {
	AnchorID     string         `json:"anchor_id"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Measurements []FrameElement `json:"measurements"`
}

// FrameElement is one tag range inside a Frame
type FrameElement struct {
	TagID    string  `json:"tag_id"`
	Distance float64 `json:"distance"`
}

// Encode serializes a frame. Frames are written back to back with no separator.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}
