package tags

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// Default ring capacities
const (
	DefaultRawRingSize   = 5
	DefaultTrailCapacity = 50
)

var (
	ErrUnknownTag   = errors.New("unknown tag")
	ErrDuplicateTag = errors.New("duplicate tag id")
)

// StoreConfig sizes the per-tag buffers
type StoreConfig struct {
	RawRingSize   int
	TrailCapacity int
}

// Store holds every tag known to the process. Writers are expected to be the
// single fusion worker; readers get copies through Get and Snapshot.
type Store struct {
	cfg StoreConfig

	mu   sync.RWMutex
	tags map[string]*Tag
}

// NewStore creates an empty store
func NewStore(cfg StoreConfig) *Store {
	if cfg.RawRingSize <= 0 {
		cfg.RawRingSize = DefaultRawRingSize
	}
	if cfg.TrailCapacity <= 0 {
		cfg.TrailCapacity = DefaultTrailCapacity
	}
	return &Store{cfg: cfg, tags: make(map[string]*Tag)}
}

func (s *Store) newTag(id string, now time.Time) *Tag {
	return &Tag{
		ID:        id,
		Battery:   100,
		Status:    StatusActive,
		Created:   now,
		Distances: make(map[string]Range),
		RawRing:   NewRing[messages.Position](s.cfg.RawRingSize),
		Trail:     NewRing[TrailPoint](s.cfg.TrailCapacity),
	}
}

// Register adds a pre-registered tag
func (s *Store) Register(d Descriptor, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tags[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, d.ID)
	}

	t := s.newTag(d.ID, now)
	if d.Person != nil {
		p := *d.Person
		t.Person = &p
	}
	if d.Battery != nil {
		t.Battery = *d.Battery
	}
	if d.Status != "" {
		t.Status = d.Status
	}
	s.tags[d.ID] = t
	return nil
}

// Mutate runs fn against the tag with the given id under the write lock.
// When create is set and the tag is unknown, a dynamic tag is created first
// and fn receives created=true. It reports whether fn ran.
func (s *Store) Mutate(id string, now time.Time, create bool, fn func(t *Tag, created bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[id]
	created := false
	if !ok {
		if !create {
			return false
		}
		t = s.newTag(id, now)
		t.Dynamic = true
		s.tags[id] = t
		created = true
	}
	fn(t, created)
	return true
}

// MutateAll runs fn for every tag whose id is in ids, under one write lock
func (s *Store) MutateAll(ids []string, fn func(t *Tag)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.tags[id]; ok {
			fn(t)
		}
	}
}

// Get returns a copy of the tag with the given id
func (s *Store) Get(id string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[id]
	if !ok {
		return View{}, false
	}
	return t.view(), true
}

// Snapshot returns copies of every tag ordered by id
func (s *Store) Snapshot() []View {
	s.mu.RLock()
	out := make([]View, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t.view())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tags
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}
