package fusion

import (
	"math"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// Snap layout constants
const (
	DefaultSnapDistance = 0.45
	SnapRadius          = 0.20
	SnapAccuracy        = 0.10
)

// SnapTable tracks which tags are bound to which anchor. A tag's index is its
// position in the anchor's bound list, so indices stay within [0, n). The
// table is owned by the fusion worker and is not safe for concurrent use.
type SnapTable struct {
	bound map[string][]string // anchor id -> tag ids in binding order
	byTag map[string]string   // tag id -> anchor id
}

// NewSnapTable creates an empty table
func NewSnapTable() *SnapTable {
	return &SnapTable{
		bound: make(map[string][]string),
		byTag: make(map[string]string),
	}
}

// Bind attaches tag to anchor, releasing any binding to another anchor first.
// It returns the previous anchor (empty when none or unchanged) and whether
// the binding changed.
func (s *SnapTable) Bind(anchorID, tagID string) (previous string, changed bool) {
	if cur, ok := s.byTag[tagID]; ok {
		if cur == anchorID {
			return "", false
		}
		s.Release(tagID)
		previous = cur
	}
	s.bound[anchorID] = append(s.bound[anchorID], tagID)
	s.byTag[tagID] = anchorID
	return previous, true
}

// Release clears the tag's binding and returns the anchor it was bound to
func (s *SnapTable) Release(tagID string) (string, bool) {
	anchorID, ok := s.byTag[tagID]
	if !ok {
		return "", false
	}
	delete(s.byTag, tagID)

	list := s.bound[anchorID]
	for i, id := range list {
		if id == tagID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.bound, anchorID)
	} else {
		s.bound[anchorID] = list
	}
	return anchorID, true
}

// Lookup returns the binding of a tag: anchor id, index and bound count
func (s *SnapTable) Lookup(tagID string) (anchorID string, index, n int, ok bool) {
	anchorID, ok = s.byTag[tagID]
	if !ok {
		return "", 0, 0, false
	}
	list := s.bound[anchorID]
	for i, id := range list {
		if id == tagID {
			return anchorID, i, len(list), true
		}
	}
	return "", 0, 0, false
}

// Bound returns the tags bound to an anchor in index order
func (s *SnapTable) Bound(anchorID string) []string {
	return append([]string(nil), s.bound[anchorID]...)
}

// Count returns the number of tags bound to an anchor
func (s *SnapTable) Count(anchorID string) int {
	return len(s.bound[anchorID])
}

// SnapPosition places the tag with the given index among n tags bound to an
// anchor: on the anchor itself when alone, otherwise evenly spaced on a
// circle of SnapRadius around it.
func SnapPosition(anchor messages.Position, index, n int) messages.Position {
	if n <= 1 {
		return anchor
	}
	theta := 2 * math.Pi * float64(index) / float64(n)
	return messages.Position{
		X: anchor.X + SnapRadius*math.Cos(theta),
		Y: anchor.Y + SnapRadius*math.Sin(theta),
		Z: anchor.Z,
	}
}
