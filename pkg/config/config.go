// Package config loads the locator configuration: a JSON file with
// defaults for every omitted field, then environment overrides for
// deployment values.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/fusion"
	"github.com/agile-defense/minetrack/pkg/ingest"
	"github.com/agile-defense/minetrack/pkg/kalman"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/simulation"
	"github.com/agile-defense/minetrack/pkg/tags"
	"github.com/agile-defense/minetrack/pkg/zones"
)

// ErrInvalid wraps every configuration problem
var ErrInvalid = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024

// Mode selects the measurement sources
type Mode string

const (
	ModeTCP        Mode = "tcp"
	ModeSimulation Mode = "simulation"
	ModeHybrid     Mode = "hybrid"
)

// UsesTCP reports whether the ranging endpoint runs
func (m Mode) UsesTCP() bool { return m == ModeTCP || m == ModeHybrid }

// UsesSimulation reports whether the simulation source runs
func (m Mode) UsesSimulation() bool { return m == ModeSimulation || m == ModeHybrid }

// AnchorConfig declares one fixed anchor
type AnchorConfig struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Z              float64  `json:"z"`
	Online         *bool    `json:"online,omitempty"` // default true
	CoverageRadius float64  `json:"coverage_radius_m"`
	Role           string   `json:"role,omitempty"`
	Battery        *float64 `json:"battery,omitempty"` // default 100
	Frame          string   `json:"frame,omitempty"`
}

// TagConfig declares a pre-registered tag. Attributes "name" and "role"
// describe the person carrying it.
type TagConfig struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Battery    *float64          `json:"battery,omitempty"` // default 100
	Status     string            `json:"status,omitempty"`
}

// Config is the full locator configuration
type Config struct {
	// Ingest
	BindHost        string `json:"bind_host"`
	BindPort        int    `json:"bind_port"`
	Mode            Mode   `json:"mode"`
	ShutdownGraceMS int    `json:"shutdown_grace_ms"`

	// Fusion
	SnapDistanceM      float64 `json:"snap_distance_m"`
	MinPositionChangeM float64 `json:"min_position_change_m"`
	StalenessMS        int     `json:"staleness_ms"`
	DormancyMS         int     `json:"dormancy_ms"`
	RawRingSize        int     `json:"raw_ring_size"`
	TrailCapacity      int     `json:"trail_capacity"`
	KalmanQ            float64 `json:"kalman_q"`
	KalmanR            float64 `json:"kalman_r"`
	KalmanDt           float64 `json:"kalman_dt"`
	HybridAlpha        float64 `json:"hybrid_alpha"`
	Use3DSolver        bool    `json:"use_3d_solver"`
	QueueCapacity      int     `json:"queue_capacity"`

	// Events
	SubscriberCapacity int `json:"subscriber_capacity"`

	// Simulation
	SimIntervalMS int               `json:"sim_interval_ms"`
	SimStepM      float64           `json:"sim_step_m"`
	SimNoiseM     float64           `json:"sim_noise_m"`
	SimTags       int               `json:"sim_tags"`
	SimSeed       int64             `json:"sim_seed"`
	MineBounds    simulation.Bounds `json:"mine_bounds"`

	// Site
	Anchors []AnchorConfig `json:"anchors"`
	Zones   []zones.Zone   `json:"zones"`
	Tags    []TagConfig    `json:"tags"`

	// Collaborators
	HTTPAddr          string `json:"http_addr"`
	NATSURL           string `json:"nats_url"`
	PostgresURL       string `json:"postgres_url"`
	SQLitePath        string `json:"sqlite_path"`
	PersistIntervalMS int    `json:"persist_interval_ms"`

	// Logging
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

// Default returns a configuration with every default applied and no site
func Default() *Config {
	return &Config{
		BindHost:           ingest.DefaultHost,
		BindPort:           ingest.DefaultPort,
		Mode:               ModeTCP,
		ShutdownGraceMS:    int(ingest.DefaultShutdownGrace / time.Millisecond),
		SnapDistanceM:      fusion.DefaultSnapDistance,
		MinPositionChangeM: fusion.DefaultMinPositionChange,
		StalenessMS:        int(fusion.DefaultStaleness / time.Millisecond),
		DormancyMS:         int(fusion.DefaultDormancy / time.Millisecond),
		RawRingSize:        tags.DefaultRawRingSize,
		TrailCapacity:      tags.DefaultTrailCapacity,
		KalmanQ:            kalman.DefaultQ,
		KalmanR:            kalman.DefaultR,
		KalmanDt:           kalman.DefaultDt,
		HybridAlpha:        fusion.DefaultHybridAlpha,
		QueueCapacity:      fusion.DefaultQueueCapacity,
		SubscriberCapacity: 256,
		SimIntervalMS:      int(simulation.DefaultInterval / time.Millisecond),
		SimStepM:           simulation.DefaultStepSize,
		SimNoiseM:          simulation.DefaultNoise,
		SimTags:            5,
		SimSeed:            time.Now().UnixNano(),
		MineBounds:         simulation.Bounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100},
		HTTPAddr:           ":8080",
		PersistIntervalMS:  1000,
		LogLevel:           "info",
	}
}

// Load reads a JSON configuration file, applies environment overrides from
// the process environment and validates the result
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a JSON configuration file over the defaults without
// validating it. Fields omitted from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrInvalid, ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat config file: %v", ErrInvalid, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalid, info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalid, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// ApplyEnv overrides deployment values from the environment. Unset or
// empty variables leave the current value.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(key, current string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return current
	}

	c.BindHost = get("BIND_HOST", c.BindHost)
	c.Mode = Mode(get("MODE", string(c.Mode)))
	c.HTTPAddr = get("HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = get("NATS_URL", c.NATSURL)
	c.PostgresURL = get("POSTGRES_URL", c.PostgresURL)
	c.SQLitePath = get("SQLITE_PATH", c.SQLitePath)
	c.LogLevel = get("LOG_LEVEL", c.LogLevel)

	if v := getenv("BIND_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BIND_PORT %q is not a number", ErrInvalid, v)
		}
		c.BindPort = port
	}
	if v := getenv("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: LOG_JSON %q is not a boolean", ErrInvalid, v)
		}
		c.LogJSON = b
	}
	return nil
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Mode {
	case ModeTCP, ModeSimulation, ModeHybrid:
	default:
		fail("unknown mode %q (valid: tcp, simulation, hybrid)", c.Mode)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		fail("bind_port %d out of range", c.BindPort)
	}

	if c.SnapDistanceM <= 0 {
		fail("snap_distance_m must be positive")
	}
	if c.MinPositionChangeM < 0 {
		fail("min_position_change_m must not be negative")
	}
	if c.StalenessMS <= 0 {
		fail("staleness_ms must be positive")
	}
	if c.DormancyMS < 0 {
		fail("dormancy_ms must not be negative")
	}
	if c.KalmanQ <= 0 || c.KalmanR <= 0 || c.KalmanDt <= 0 {
		fail("kalman_q, kalman_r and kalman_dt must be positive")
	}
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		fail("hybrid_alpha %.3f outside [0, 1]", c.HybridAlpha)
	}
	for name, v := range map[string]int{
		"raw_ring_size":       c.RawRingSize,
		"trail_capacity":      c.TrailCapacity,
		"queue_capacity":      c.QueueCapacity,
		"subscriber_capacity": c.SubscriberCapacity,
	} {
		if v <= 0 {
			fail("%s must be positive", name)
		}
	}

	if len(c.Anchors) < 3 {
		fail("at least three anchors are required, got %d", len(c.Anchors))
	}
	anchorIDs := make(map[string]bool, len(c.Anchors))
	frames := make(map[string]bool)
	for _, a := range c.Anchors {
		if a.ID == "" {
			fail("anchor with empty id")
		}
		if anchorIDs[a.ID] {
			fail("duplicate anchor id %q", a.ID)
		}
		anchorIDs[a.ID] = true
		if a.Frame != "" {
			frames[a.Frame] = true
		}
	}
	if len(frames) > 1 {
		fail("anchors declare conflicting coordinate frames")
	}

	zoneIDs := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if zoneIDs[z.ID] {
			fail("duplicate zone id %q", z.ID)
		}
		zoneIDs[z.ID] = true
	}

	tagIDs := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		if t.ID == "" {
			fail("tag with empty id")
		}
		if tagIDs[t.ID] {
			fail("duplicate tag id %q", t.ID)
		}
		tagIDs[t.ID] = true
		if t.Battery != nil && (*t.Battery < 0 || *t.Battery > 100) {
			fail("tag %q: battery %v outside [0,100]", t.ID, *t.Battery)
		}
		if t.Status != "" {
			if _, err := tags.ParseStatus(t.Status); err != nil {
				fail("tag %q: %v", t.ID, err)
			}
		}
	}

	if c.Mode.UsesSimulation() {
		if c.SimIntervalMS <= 0 {
			fail("sim_interval_ms must be positive")
		}
		if !c.MineBounds.Valid() {
			fail("mine_bounds must have a positive area")
		}
		if len(c.Tags) == 0 && c.SimTags <= 0 {
			fail("simulation needs pre-registered tags or sim_tags > 0")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// AnchorList converts the anchor declarations for the registry
func (c *Config) AnchorList() []anchors.Anchor {
	out := make([]anchors.Anchor, 0, len(c.Anchors))
	for _, a := range c.Anchors {
		online := true
		if a.Online != nil {
			online = *a.Online
		}
		battery := 100.0
		if a.Battery != nil {
			battery = *a.Battery
		}
		out = append(out, anchors.Anchor{
			ID:             a.ID,
			Name:           a.Name,
			Position:       messages.Position{X: a.X, Y: a.Y, Z: a.Z},
			CoverageRadius: a.CoverageRadius,
			Role:           a.Role,
			Online:         online,
			Battery:        battery,
			SignalQuality:  100,
		})
	}
	return out
}

// TagDescriptors converts the pre-registered tags for the store
func (c *Config) TagDescriptors() []tags.Descriptor {
	out := make([]tags.Descriptor, 0, len(c.Tags))
	for _, t := range c.Tags {
		d := tags.Descriptor{ID: t.ID, Battery: t.Battery, Status: tags.Status(t.Status)}
		if name := t.Attributes["name"]; name != "" {
			d.Person = &tags.Person{Name: name, Role: t.Attributes["role"]}
		}
		out = append(out, d)
	}
	return out
}

// SimulationTagIDs returns the pre-registered tag ids, or generated ids
// when none are configured
func (c *Config) SimulationTagIDs() []string {
	if len(c.Tags) == 0 {
		return simulation.GenerateTagIDs(c.SimTags)
	}
	ids := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		ids = append(ids, t.ID)
	}
	return ids
}

// FusionConfig returns the pipeline settings
func (c *Config) FusionConfig() fusion.Config {
	return fusion.Config{
		SnapDistance:      c.SnapDistanceM,
		MinPositionChange: c.MinPositionChangeM,
		Staleness:         ms(c.StalenessMS),
		Dormancy:          ms(c.DormancyMS),
		HybridAlpha:       c.HybridAlpha,
		Use3DSolver:       c.Use3DSolver,
		Kalman:            kalman.Config{Q: c.KalmanQ, R: c.KalmanR, Dt: c.KalmanDt},
	}
}

// StoreConfig returns the tag buffer sizes
func (c *Config) StoreConfig() tags.StoreConfig {
	return tags.StoreConfig{RawRingSize: c.RawRingSize, TrailCapacity: c.TrailCapacity}
}

// ServerConfig returns the ranging endpoint settings
func (c *Config) ServerConfig() ingest.ServerConfig {
	return ingest.ServerConfig{Host: c.BindHost, Port: c.BindPort, ShutdownGrace: ms(c.ShutdownGraceMS)}
}

// SimulationOptions returns the simulation source settings
func (c *Config) SimulationOptions() simulation.Options {
	return simulation.Options{
		TagIDs: c.SimulationTagIDs(),
		Bounds: c.MineBounds,
		Noise:  c.SimNoiseM,
		Seed:   c.SimSeed,
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
