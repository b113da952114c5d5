// Package simulation synthesizes ranging measurements from a random walk.
//
// The source feeds the same Sink as the TCP ingestor, so the fusion worker
// cannot tell synthetic ranges from real ones.
package simulation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/codec"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/tags"
)

// Sink receives synthetic measurements
type Sink interface {
	Submit(m messages.Measurement)
}

// TagDirectory reports current tag status
type TagDirectory interface {
	Get(id string) (tags.View, bool)
}

// Bounds is the horizontal rectangle walkers stay inside. Z is the height
// of every walker.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
	Z    float64 `json:"z"`
}

// Valid reports whether the rectangle has a positive area
func (b Bounds) Valid() bool {
	return b.MaxX > b.MinX && b.MaxY > b.MinY
}

func (b Bounds) clamp(p messages.Position) messages.Position {
	p.X = math.Max(b.MinX, math.Min(b.MaxX, p.X))
	p.Y = math.Max(b.MinY, math.Min(b.MaxY, p.Y))
	p.Z = b.Z
	return p
}

// Options configures a Source
type Options struct {
	TagIDs []string
	Bounds Bounds
	Noise  float64 // uniform range noise amplitude in meters
	Seed   int64
}

// GenerateTagIDs returns n simulated tag ids
func GenerateTagIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("SIM%03d", i+1)
	}
	return ids
}

// Source walks simulated tags and emits their ranges to every online anchor
type Source struct {
	opts     Options
	settings *Settings
	anchors  *anchors.Registry
	tags     TagDirectory
	sink     Sink
	logger   zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	walkers map[string]messages.Position

	ticks   atomic.Uint64
	emitted atomic.Uint64
}

// NewSource creates a simulation source
func NewSource(opts Options, settings *Settings, reg *anchors.Registry, dir TagDirectory, sink Sink, logger zerolog.Logger) (*Source, error) {
	if !opts.Bounds.Valid() {
		return nil, fmt.Errorf("invalid simulation bounds %+v", opts.Bounds)
	}
	if len(opts.TagIDs) == 0 {
		return nil, fmt.Errorf("simulation requires at least one tag")
	}
	if opts.Noise < 0 {
		opts.Noise = DefaultNoise
	}
	if settings == nil {
		settings = NewSettings(0, 0)
	}

	ids := append([]string(nil), opts.TagIDs...)
	sort.Strings(ids)
	opts.TagIDs = ids

	s := &Source{
		opts:     opts,
		settings: settings,
		anchors:  reg,
		tags:     dir,
		sink:     sink,
		logger:   logger.With().Str("component", "simulation").Logger(),
		rng:      rand.New(rand.NewSource(opts.Seed)),
		walkers:  make(map[string]messages.Position, len(ids)),
	}

	b := opts.Bounds
	for _, id := range ids {
		s.walkers[id] = messages.Position{
			X: b.MinX + s.rng.Float64()*(b.MaxX-b.MinX),
			Y: b.MinY + s.rng.Float64()*(b.MaxY-b.MinY),
			Z: b.Z,
		}
	}
	return s, nil
}

// Settings returns the runtime settings
func (s *Source) Settings() *Settings {
	return s.settings
}

// Truth returns the ground-truth position of a simulated tag
func (s *Source) Truth(id string) (messages.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.walkers[id]
	return p, ok
}

// Counters reports ticks run and measurements emitted
func (s *Source) Counters() (ticks, emitted uint64) {
	return s.ticks.Load(), s.emitted.Load()
}

// Run emits on every interval until ctx is cancelled
func (s *Source) Run(ctx context.Context) error {
	cfg := s.settings.Snapshot()
	s.logger.Info().
		Dur("interval", cfg.Interval).
		Int("tags", len(s.opts.TagIDs)).
		Bool("paused", cfg.Paused).
		Msg("Starting simulation")

	interval := cfg.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ticks, emitted := s.Counters()
			s.logger.Info().Uint64("ticks", ticks).Uint64("measurements", emitted).Msg("Simulation stopped")
			return nil
		case <-ticker.C:
			cur := s.settings.Snapshot()
			if cur.Interval != interval {
				ticker.Reset(cur.Interval)
				interval = cur.Interval
				s.logger.Debug().Dur("interval", interval).Msg("Ticker interval updated")
			}
			if cur.Paused {
				continue
			}
			s.Step(time.Now().UTC())
		}
	}
}

// Step moves a random subset of the active tags and submits their ranges.
// It returns the number of measurements submitted.
func (s *Source) Step(now time.Time) int {
	cfg := s.settings.Snapshot()
	online := s.anchors.Online()
	s.ticks.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.opts.TagIDs {
		if !s.active(id) {
			continue
		}
		if s.rng.Float64() >= cfg.Fraction {
			continue
		}

		p := s.walkers[id]
		p.X += (s.rng.Float64()*2 - 1) * cfg.StepSize
		p.Y += (s.rng.Float64()*2 - 1) * cfg.StepSize
		p = s.opts.Bounds.clamp(p)
		s.walkers[id] = p

		batch := uuid.New().String()
		for _, a := range online {
			d := p.Distance(a.Position) + (s.rng.Float64()*2-1)*s.opts.Noise
			if d < codec.MinDistance {
				d = codec.MinDistance
			}
			if d > codec.MaxDistance {
				continue
			}
			s.sink.Submit(messages.Measurement{
				AnchorID:   a.ID,
				TagID:      id,
				Distance:   d,
				ReceivedAt: now,
				Source:     messages.SourceSimulation,
				BatchID:    batch,
			})
			n++
		}
	}

	s.emitted.Add(uint64(n))
	return n
}

// active treats tags the store has not seen yet as active
func (s *Source) active(id string) bool {
	if s.tags == nil {
		return true
	}
	v, ok := s.tags.Get(id)
	return !ok || v.Status == tags.StatusActive
}
