// Package stats summarizes anchor, tag and ingest state for consumers
package stats

import (
	"time"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/events"
	"github.com/agile-defense/minetrack/pkg/fusion"
	"github.com/agile-defense/minetrack/pkg/ingest"
	"github.com/agile-defense/minetrack/pkg/tags"
)

// Input is everything a summary is computed from
type Input struct {
	Anchors     []anchors.Anchor
	Tags        []tags.View
	Ingest      ingest.Counters
	Simulated   uint64
	Fusion      fusion.Stats
	Queue       fusion.QueueStats
	Published   uint64
	Dropped     uint64 // bus-wide, including closed subscriptions
	Subscribers []events.SubscriberStats
	Now         time.Time
}

// PersonnelSummary counts tags carried by a person
type PersonnelSummary struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	OnBreak     int     `json:"on_break"`
	Emergency   int     `json:"emergency"`
	LowBattery  int     `json:"low_battery"`
	MeanBattery float64 `json:"mean_battery"`
}

// AnchorSummary counts anchors by status
type AnchorSummary struct {
	Total       int     `json:"total"`
	Online      int     `json:"online"`
	Offline     int     `json:"offline"`
	LowBattery  int     `json:"low_battery"`
	MeanBattery float64 `json:"mean_battery"`
}

// TagSummary counts every tag by status
type TagSummary struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Inactive    int     `json:"inactive"`
	Emergency   int     `json:"emergency"`
	LowBattery  int     `json:"low_battery"`
	Snapped     int     `json:"snapped"`
	Located     int     `json:"located"`
	MeanBattery float64 `json:"mean_battery"`
}

// IngestSummary reports protocol health
type IngestSummary struct {
	Connections       uint64  `json:"connections"`
	ActiveConnections int64   `json:"active_connections"`
	Messages          uint64  `json:"messages"`
	Frames            uint64  `json:"frames"`
	Bytes             uint64  `json:"bytes"`
	DroppedElements   uint64  `json:"dropped_elements"`
	MalformedFrames   uint64  `json:"malformed_frames"`
	Simulated         uint64  `json:"simulated"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	RuntimeSeconds    float64 `json:"runtime_seconds"`
}

// EventSummary reports bus health
type EventSummary struct {
	Published   uint64                   `json:"published"`
	Dropped     uint64                   `json:"dropped"`
	Subscribers []events.SubscriberStats `json:"subscribers"`
}

// Summary is the aggregate returned to consumers
type Summary struct {
	Personnel   PersonnelSummary  `json:"personnel"`
	Anchors     AnchorSummary     `json:"anchors"`
	Tags        TagSummary        `json:"tags"`
	Ingest      IngestSummary     `json:"ingest"`
	Fusion      fusion.Stats      `json:"fusion"`
	Queue       fusion.QueueStats `json:"queue"`
	Events      EventSummary      `json:"events"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Aggregate computes a summary. It never fails; empty inputs give zero counts.
func Aggregate(in Input) Summary {
	s := Summary{
		Fusion:      in.Fusion,
		Queue:       in.Queue,
		GeneratedAt: in.Now,
	}

	var anchorBattery float64
	for _, a := range in.Anchors {
		s.Anchors.Total++
		if a.Online {
			s.Anchors.Online++
		} else {
			s.Anchors.Offline++
		}
		if a.LowBattery() {
			s.Anchors.LowBattery++
		}
		anchorBattery += a.Battery
	}
	s.Anchors.MeanBattery = mean(anchorBattery, s.Anchors.Total)

	var tagBattery, personBattery float64
	for _, t := range in.Tags {
		s.Tags.Total++
		tagBattery += t.Battery
		switch t.Status {
		case tags.StatusActive:
			s.Tags.Active++
		case tags.StatusInactive:
			s.Tags.Inactive++
		case tags.StatusEmergency:
			s.Tags.Emergency++
		}
		if t.LowBattery() {
			s.Tags.LowBattery++
		}
		if t.SnapAnchor != "" {
			s.Tags.Snapped++
		}
		if t.Fix != nil {
			s.Tags.Located++
		}

		if t.Person == nil {
			continue
		}
		s.Personnel.Total++
		personBattery += t.Battery
		switch t.Status {
		case tags.StatusActive:
			s.Personnel.Active++
		case tags.StatusInactive:
			s.Personnel.OnBreak++
		case tags.StatusEmergency:
			s.Personnel.Emergency++
		}
		if t.LowBattery() {
			s.Personnel.LowBattery++
		}
	}
	s.Tags.MeanBattery = mean(tagBattery, s.Tags.Total)
	s.Personnel.MeanBattery = mean(personBattery, s.Personnel.Total)

	c := in.Ingest
	s.Ingest = IngestSummary{
		Connections:       c.ConnectionsTotal,
		ActiveConnections: c.ConnectionsActive,
		Messages:          c.Measurements,
		Frames:            c.Frames,
		Bytes:             c.Bytes,
		DroppedElements:   c.DroppedElements,
		MalformedFrames:   c.Malformed,
		Simulated:         in.Simulated,
	}
	if !c.StartedAt.IsZero() && in.Now.After(c.StartedAt) {
		runtime := in.Now.Sub(c.StartedAt).Seconds()
		s.Ingest.RuntimeSeconds = runtime
		s.Ingest.MessagesPerSecond = float64(c.Measurements+in.Simulated) / runtime
	}

	s.Events.Published = in.Published
	s.Events.Dropped = in.Dropped
	s.Events.Subscribers = in.Subscribers
	if s.Events.Subscribers == nil {
		s.Events.Subscribers = []events.SubscriberStats{}
	}
	return s
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
