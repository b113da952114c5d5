// Package anchors holds the fixed ranging anchors of a site
package anchors

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// LowBatteryThreshold is the percentage below which an anchor counts as low on battery
const LowBatteryThreshold = 70.0

var (
	ErrUnknownAnchor   = errors.New("unknown anchor")
	ErrDuplicateAnchor = errors.New("duplicate anchor id")
)

// Anchor is a stationary ranging reference
type Anchor struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Position       messages.Position `json:"position"`
	CoverageRadius float64           `json:"coverage_radius_m"`
	Role           string            `json:"role"`

	Online        bool    `json:"online"`
	Battery       float64 `json:"battery"`
	SignalQuality float64 `json:"signal_quality"`
}

// LowBattery reports whether the anchor battery is under the alert threshold
func (a Anchor) LowBattery() bool {
	return a.Battery < LowBatteryThreshold
}

// StatusUpdate carries the mutable anchor attributes. Nil fields are left unchanged.
type StatusUpdate struct {
	Online        *bool    `json:"online,omitempty"`
	Battery       *float64 `json:"battery,omitempty"`
	SignalQuality *float64 `json:"signal_quality,omitempty"`
}

type snapshot struct {
	order []string
	byID  map[string]Anchor
}

// Registry maps anchor ids to anchors. Reads are lock free against an
// immutable snapshot; status updates replace the snapshot.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from the configured anchors, preserving their order
func NewRegistry(list []Anchor) (*Registry, error) {
	s := &snapshot{
		order: make([]string, 0, len(list)),
		byID:  make(map[string]Anchor, len(list)),
	}
	for _, a := range list {
		if _, exists := s.byID[a.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAnchor, a.ID)
		}
		if a.Role == "" {
			a.Role = "fixed"
		}
		s.order = append(s.order, a.ID)
		s.byID[a.ID] = a
	}

	r := &Registry{}
	r.snap.Store(s)
	return r, nil
}

// Get returns the anchor with the given id
func (r *Registry) Get(id string) (Anchor, bool) {
	a, ok := r.snap.Load().byID[id]
	return a, ok
}

// Len returns the number of anchors
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}

// All returns every anchor in configuration order
func (r *Registry) All() []Anchor {
	s := r.snap.Load()
	out := make([]Anchor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Online returns the anchors usable as ranging references, in configuration order
func (r *Registry) Online() []Anchor {
	s := r.snap.Load()
	out := make([]Anchor, 0, len(s.order))
	for _, id := range s.order {
		if a := s.byID[id]; a.Online {
			out = append(out, a)
		}
	}
	return out
}

// Rank returns the configuration index of an anchor, or -1
func (r *Registry) Rank(id string) int {
	for i, v := range r.snap.Load().order {
		if v == id {
			return i
		}
	}
	return -1
}

// SetStatus applies an out-of-band status update and returns the anchor
// before and after the change
func (r *Registry) SetStatus(id string, u StatusUpdate) (before, after Anchor, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	a, ok := cur.byID[id]
	if !ok {
		return Anchor{}, Anchor{}, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
	before = a

	if u.Online != nil {
		a.Online = *u.Online
	}
	if u.Battery != nil {
		a.Battery = clampPercent(*u.Battery)
	}
	if u.SignalQuality != nil {
		a.SignalQuality = clampPercent(*u.SignalQuality)
	}

	next := &snapshot{order: cur.order, byID: make(map[string]Anchor, len(cur.byID))}
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	next.byID[id] = a
	r.snap.Store(next)

	return before, a, nil
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
