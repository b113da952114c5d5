package simulation

import (
	"fmt"
	"sync"
	"time"
)

// Runtime limits
const (
	MinInterval = 100 * time.Millisecond
	MaxInterval = time.Minute
	MinStepSize = 0.0
	MaxStepSize = 10.0
	MinFraction = 0.0
	MaxFraction = 1.0

	DefaultInterval = 2 * time.Second
	DefaultStepSize = 1.0
	DefaultNoise    = 0.5
	DefaultFraction = 0.5
)

// Settings holds the runtime-adjustable simulation parameters
type Settings struct {
	mu sync.RWMutex

	interval time.Duration
	stepSize float64
	fraction float64
	paused   bool

	defaults SettingsSnapshot
}

// SettingsSnapshot is a consistent copy of Settings
type SettingsSnapshot struct {
	Interval time.Duration
	StepSize float64
	Fraction float64
	Paused   bool
}

// NewSettings creates settings starting from the given values. Zero values
// fall back to the package defaults.
func NewSettings(interval time.Duration, stepSize float64) *Settings {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if stepSize <= 0 {
		stepSize = DefaultStepSize
	}
	s := &Settings{interval: interval, stepSize: stepSize, fraction: DefaultFraction}
	s.defaults = s.Snapshot()
	return s
}

// Interval returns the emission interval
func (s *Settings) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// SetInterval sets the emission interval with validation
func (s *Settings) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("interval must be between %v and %v", MinInterval, MaxInterval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	return nil
}

// SetStepSize sets the maximum walk step per axis in meters
func (s *Settings) SetStepSize(v float64) error {
	if v < MinStepSize || v > MaxStepSize {
		return fmt.Errorf("step_m must be between %.1f and %.1f", MinStepSize, MaxStepSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepSize = v
	return nil
}

// SetFraction sets the share of active tags moved on each tick
func (s *Settings) SetFraction(v float64) error {
	if v < MinFraction || v > MaxFraction {
		return fmt.Errorf("fraction must be between %.1f and %.1f", MinFraction, MaxFraction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraction = v
	return nil
}

// Paused reports whether emission is paused
func (s *Settings) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// SetPaused sets the paused state
func (s *Settings) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Reset restores the values the settings were created with
func (s *Settings) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = s.defaults.Interval
	s.stepSize = s.defaults.StepSize
	s.fraction = s.defaults.Fraction
	s.paused = false
}

// Snapshot returns a copy of the current settings
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SettingsSnapshot{
		Interval: s.interval,
		StepSize: s.stepSize,
		Fraction: s.fraction,
		Paused:   s.paused,
	}
}
