package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 15, 10, 12, 3, 0, time.UTC)

func TestParse(t *testing.T) {
	frame := []byte(`{"anchor_id":"ANC003","timestamp":"2025-01-15T10:12:03Z","measurements":[
		{"tag_id":"TAG007","distance(m)":{"distance":4.82}},
		{"tag_id":"TAG009","distance":11.03},
		{"tag_id":"TAG010","distance_m":2.5}
	]}`)

	batch, err := Parse(frame, testNow)
	require.NoError(t, err)

	assert.Equal(t, "ANC003", batch.AnchorID)
	assert.NotEmpty(t, batch.ID)
	assert.True(t, batch.SentAt.Equal(testNow))
	assert.Equal(t, 0, batch.Dropped)
	require.Len(t, batch.Measurements, 3)

	assert.Equal(t, "TAG007", batch.Measurements[0].TagID)
	assert.InDelta(t, 4.82, batch.Measurements[0].Distance, 1e-12)
	assert.InDelta(t, 11.03, batch.Measurements[1].Distance, 1e-12)
	assert.InDelta(t, 2.5, batch.Measurements[2].Distance, 1e-12)

	for _, m := range batch.Measurements {
		assert.Equal(t, "ANC003", m.AnchorID)
		assert.Equal(t, batch.ID, m.BatchID)
		assert.Equal(t, testNow, m.ReceivedAt)
	}
}

func TestParseDropsBadElements(t *testing.T) {
	tests := []struct {
		name    string
		element string
	}{
		{"missing tag id", `{"distance":1.0}`},
		{"empty tag id", `{"tag_id":"","distance":1.0}`},
		{"fractional tag id", `{"tag_id":3.5,"distance":1.0}`},
		{"boolean tag id", `{"tag_id":true,"distance":1.0}`},
		{"missing distance", `{"tag_id":"T1"}`},
		{"string distance", `{"tag_id":"T1","distance":"4.2"}`},
		{"negative distance", `{"tag_id":"T1","distance":-0.1}`},
		{"distance over range", `{"tag_id":"T1","distance":20.5}`},
		{"nested without value", `{"tag_id":"T1","distance(m)":{}}`},
		{"not an object", `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := []byte(`{"anchor_id":"A1","measurements":[` + tt.element + `,{"tag_id":"OK","distance":3}]}`)
			batch, err := Parse(frame, testNow)
			require.NoError(t, err)
			assert.Equal(t, 1, batch.Dropped)
			require.Len(t, batch.Measurements, 1)
			assert.Equal(t, "OK", batch.Measurements[0].TagID)
		})
	}
}

func TestParseAcceptsRangeBoundsAndIntegerIDs(t *testing.T) {
	frame := []byte(`{"anchor_id":7,"measurements":[{"tag_id":12,"distance":0},{"tag_id":"T2","distance":20}]}`)
	batch, err := Parse(frame, testNow)
	require.NoError(t, err)

	assert.Equal(t, "7", batch.AnchorID)
	require.Len(t, batch.Measurements, 2)
	assert.Equal(t, "12", batch.Measurements[0].TagID)
	assert.Equal(t, 0.0, batch.Measurements[0].Distance)
	assert.Equal(t, 20.0, batch.Measurements[1].Distance)
}

func TestParseIgnoresNonMeasurementObjects(t *testing.T) {
	tests := []string{
		`{"hello":"world"}`,
		`{"anchor_id":"A1"}`,
		`{"measurements":[]}`,
		`{"anchor_id":"","measurements":[]}`,
		`{"anchor_id":"A1","measurements":{"tag_id":"T1"}}`,
	}
	for _, frame := range tests {
		_, err := Parse([]byte(frame), testNow)
		assert.ErrorIs(t, err, ErrMissingField, frame)
	}

	_, err := Parse([]byte(`{"anchor_id":`), testNow)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseIgnoresBadTimestamp(t *testing.T) {
	batch, err := Parse([]byte(`{"anchor_id":"A1","timestamp":"yesterday","measurements":[]}`), testNow)
	require.NoError(t, err)
	assert.True(t, batch.SentAt.IsZero())
	assert.Empty(t, batch.Measurements)
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	data, err := Encode(Frame{
		AnchorID:     "ANC001",
		Timestamp:    testNow.Format(time.RFC3339),
		Measurements: []FrameElement{{TagID: "TAG001", Distance: 6.25}},
	})
	require.NoError(t, err)

	batch, err := Parse(data, testNow)
	require.NoError(t, err)
	require.Len(t, batch.Measurements, 1)
	assert.Equal(t, "TAG001", batch.Measurements[0].TagID)
	assert.Equal(t, 6.25, batch.Measurements[0].Distance)
}
