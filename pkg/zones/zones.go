// Package zones assigns positions to the nearest named zone center
package zones

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/agile-defense/minetrack/pkg/messages"
)

var ErrDuplicateZone = errors.New("duplicate zone id")

// Zone is a named region identified by its center point
type Zone struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Classifier is a Voronoi partition of the horizontal plane over zone centers
type Classifier struct {
	zones []Zone // sorted by id
}

// NewClassifier validates zone ids and returns a classifier. An empty zone
// list is allowed; Classify then reports no zone.
func NewClassifier(list []Zone) (*Classifier, error) {
	seen := make(map[string]bool, len(list))
	zs := make([]Zone, 0, len(list))
	for _, z := range list {
		if seen[z.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateZone, z.ID)
		}
		seen[z.ID] = true
		zs = append(zs, z)
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i].ID < zs[j].ID })
	return &Classifier{zones: zs}, nil
}

// Classify returns the zone whose center is closest to p in XY. Ties go to
// the lexicographically lower id.
func (c *Classifier) Classify(p messages.Position) (Zone, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, z := range c.zones {
		d := math.Hypot(p.X-z.X, p.Y-z.Y)
		// Strict comparison keeps the first (lowest id) zone on ties
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Zone{}, false
	}
	return c.zones[best], true
}

// Zones returns the configured zones ordered by id
func (c *Classifier) Zones() []Zone {
	out := make([]Zone, len(c.zones))
	copy(out, c.zones)
	return out
}
