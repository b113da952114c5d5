package zones

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/minetrack/pkg/messages"
)

func TestClassify(t *testing.T) {
	c, err := NewClassifier([]Zone{
		{ID: "Z3", Name: "Workshop", X: 20, Y: 0},
		{ID: "Z1", Name: "Shaft", X: 0, Y: 0},
		{ID: "Z2", Name: "Tunnel A", X: 10, Y: 0},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		pos  messages.Position
		want string
	}{
		{name: "at center", pos: messages.Position{X: 0, Y: 0}, want: "Z1"},
		{name: "nearest", pos: messages.Position{X: 8, Y: 3}, want: "Z2"},
		{name: "z ignored", pos: messages.Position{X: 19, Y: 0, Z: -50}, want: "Z3"},
		{name: "tie goes to lower id", pos: messages.Position{X: 5, Y: 0}, want: "Z1"},
		{name: "tie between Z2 and Z3", pos: messages.Position{X: 15, Y: 4}, want: "Z2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z, ok := c.Classify(tt.pos)
			require.True(t, ok)
			assert.Equal(t, tt.want, z.ID)
		})
	}
}

func TestClassifyWithoutZones(t *testing.T) {
	c, err := NewClassifier(nil)
	require.NoError(t, err)
	_, ok := c.Classify(messages.Position{X: 1})
	assert.False(t, ok)
}

func TestDuplicateZone(t *testing.T) {
	_, err := NewClassifier([]Zone{{ID: "A"}, {ID: "A"}})
	assert.ErrorIs(t, err, ErrDuplicateZone)
}

func TestZonesSorted(t *testing.T) {
	c, err := NewClassifier([]Zone{{ID: "b"}, {ID: "a"}})
	require.NoError(t, err)
	zs := c.Zones()
	assert.Equal(t, "a", zs[0].ID)
	assert.Equal(t, "b", zs[1].ID)
}
