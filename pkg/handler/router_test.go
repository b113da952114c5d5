package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/events"
	"github.com/agile-defense/minetrack/pkg/fusion"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/service"
	"github.com/agile-defense/minetrack/pkg/simulation"
	"github.com/agile-defense/minetrack/pkg/stats"
	"github.com/agile-defense/minetrack/pkg/tags"
	"github.com/agile-defense/minetrack/pkg/zones"
)

type staticHealth struct{ status service.HealthStatus }

func (s staticHealth) Health() service.HealthStatus { return s.status }

type apiFixture struct {
	router http.Handler
	engine *fusion.Engine
	store  *tags.Store
	bus    *events.Bus
	alerts *events.Subscription
	reg    *prometheus.Registry
}

func newAPIFixture(t *testing.T, sim SimulationControl, checks map[string]HealthChecker) *apiFixture {
	t.Helper()

	reg, err := anchors.NewRegistry([]anchors.Anchor{
		{ID: "A", Position: messages.Position{X: 0, Y: 0}, Online: true, Battery: 100},
		{ID: "B", Position: messages.Position{X: 10, Y: 0}, Online: true, Battery: 100},
		{ID: "C", Position: messages.Position{X: 0, Y: 10}, Online: true, Battery: 100},
	})
	require.NoError(t, err)
	zc, err := zones.NewClassifier([]zones.Zone{
		{ID: "Z1", Name: "Face", X: 5, Y: 0},
		{ID: "Z2", Name: "Shaft", X: 0, Y: 10},
	})
	require.NoError(t, err)

	store := tags.NewStore(tags.StoreConfig{})
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)
	alerts := bus.Subscribe("alerts", 16, messages.EventLowBattery, messages.EventEmergency)

	engine, err := fusion.NewEngine(fusion.DefaultConfig(), fusion.Deps{Anchors: reg, Tags: store, Zones: zc, Bus: bus}, zerolog.Nop())
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	router := NewRouter(RouterDeps{
		Tags:          store,
		TagUpdater:    engine,
		Anchors:       reg,
		AnchorUpdater: engine,
		Zones:         zc,
		Stats: func() stats.Summary {
			return stats.Aggregate(stats.Input{Anchors: reg.All(), Tags: store.Snapshot(), Fusion: engine.Stats(), Now: time.Now()})
		},
		Simulation: sim,
		Health:     NewHealthHandler(staticHealth{service.HealthStatus{Healthy: true, Status: "running"}}, "test", checks),
		Registry:   promReg,
		Logger:     zerolog.Nop(),
	})

	return &apiFixture{router: router, engine: engine, store: store, bus: bus, alerts: alerts, reg: promReg}
}

// locate feeds exact ranges for a tag standing at (5, 0)
func (f *apiFixture) locate(tag string) {
	at := time.Now().UTC()
	for id, d := range map[string]float64{"A": 5, "B": 5, "C": math.Sqrt(125)} {
		f.engine.Process(messages.Measurement{AnchorID: id, TagID: tag, Distance: d, ReceivedAt: at})
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) nextAlert(t *testing.T) messages.Event {
	t.Helper()
	select {
	case ev := <-f.alerts.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no alert published")
		return nil
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil, map[string]HealthChecker{
		"sqlite": func(context.Context) error { return nil },
	})
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["sqlite"])
	assert.Equal(t, "running", resp.Components["locator"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	f = newAPIFixture(t, nil, map[string]HealthChecker{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["postgres"], "connection refused")
}

func TestAnchors(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/anchors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[AnchorListResponse](t, rec)
	require.Len(t, list.Anchors, 3)
	assert.Equal(t, "A", list.Anchors[0].ID)
	assert.Equal(t, 3, list.Online)

	rec = f.do(t, http.MethodPatch, "/api/v1/anchors/B", `{"online": false, "battery": 50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[anchors.Anchor](t, rec)
	assert.False(t, a.Online)
	assert.Equal(t, 50.0, a.Battery)

	ev := f.nextAlert(t)
	lb, ok := ev.(*messages.LowBattery)
	require.True(t, ok)
	assert.Equal(t, messages.EntityAnchor, lb.EntityKind)
	assert.Equal(t, "B", lb.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/anchors/B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[anchors.Anchor](t, rec).Online)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/v1/anchors/Z", `{"online": true}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/anchors/Z", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/anchors/A", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/anchors/A", `{"position": 1}`).Code)
}

func TestTags(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	require.NoError(t, f.engine.RegisterTag(tags.Descriptor{ID: "T1", Person: &tags.Person{Name: "Ada", Role: "driller"}}, time.Now()))
	f.locate("T2")

	rec := f.do(t, http.MethodGet, "/api/v1/tags", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[TagListResponse](t, rec)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "T1", list.Tags[0].ID)
	assert.False(t, list.Tags[0].Dynamic)
	assert.True(t, list.Tags[1].Dynamic)

	rec = f.do(t, http.MethodGet, "/api/v1/tags?located=true", "")
	list = decode[TagListResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "T2", list.Tags[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/tags?zone=Z2", "")
	assert.Zero(t, decode[TagListResponse](t, rec).Total)

	rec = f.do(t, http.MethodGet, "/api/v1/tags/T2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[tags.View](t, rec)
	require.NotNil(t, v.Fix)
	assert.Equal(t, "Z1", v.Fix.ZoneID)
	assert.InDelta(t, 5.0, v.Fix.Final.X, 1e-6)

	rec = f.do(t, http.MethodGet, "/api/v1/tags/T2/trail?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[TrailResponse](t, rec)
	assert.Equal(t, "T2", trail.TagID)
	assert.NotNil(t, trail.Points)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/tags/T2/trail?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tags/T9", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/tags/T9/trail", "").Code)
}

func TestUpdateTag(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	f.locate("T2")

	rec := f.do(t, http.MethodPatch, "/api/v1/tags/T2", `{"status": "emergency"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tags.StatusEmergency, decode[tags.View](t, rec).Status)

	em, ok := f.nextAlert(t).(*messages.Emergency)
	require.True(t, ok)
	assert.Equal(t, "T2", em.TagID)
	assert.Equal(t, "Z1", em.ZoneID)
	require.NotNil(t, em.LastPosition)

	rec = f.do(t, http.MethodPatch, "/api/v1/tags/T2", `{"battery": 10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	lb, ok := f.nextAlert(t).(*messages.LowBattery)
	require.True(t, ok)
	assert.Equal(t, messages.EntityTag, lb.EntityKind)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPatch, "/api/v1/tags/T2", `{"status": "asleep"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/v1/tags/T9", `{"battery": 50}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/tags/T2", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/tags/T2", `not json`).Code)
}

func TestZones(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	f.locate("T2")
	require.NoError(t, f.engine.RegisterTag(tags.Descriptor{ID: "T1"}, time.Now()))

	rec := f.do(t, http.MethodGet, "/api/v1/zones", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ZoneListResponse](t, rec)
	require.Len(t, resp.Zones, 2)
	assert.Equal(t, "Z1", resp.Zones[0].ID)
	assert.Equal(t, []string{"T2"}, resp.Zones[0].Occupants)
	assert.Empty(t, resp.Zones[1].Occupants)
	assert.Empty(t, resp.Unzoned, "tags without a fix are not listed")
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	f.locate("T2")

	rec := f.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[stats.Summary](t, rec)
	assert.Equal(t, 3, s.Anchors.Total)
	assert.Equal(t, 1, s.Tags.Total)
	assert.Equal(t, uint64(3), s.Fusion.Processed)
}

func TestSimulationDisabled(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/simulation", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/v1/simulation", `{"paused": true}`).Code)
}

type fakeSim struct{ settings *simulation.Settings }

func (s fakeSim) Settings() *simulation.Settings { return s.settings }
func (s fakeSim) Counters() (uint64, uint64)     { return 4, 12 }

func TestSimulationSettings(t *testing.T) {
	sim := fakeSim{settings: simulation.NewSettings(2*time.Second, 1)}
	f := newAPIFixture(t, sim, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/simulation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SimulationResponse](t, rec)
	assert.Equal(t, int64(2000), resp.IntervalMS)
	assert.Equal(t, uint64(12), resp.Emitted)

	rec = f.do(t, http.MethodPatch, "/api/v1/simulation", `{"interval_ms": 500, "paused": true, "step_m": 2.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[SimulationResponse](t, rec)
	assert.Equal(t, int64(500), resp.IntervalMS)
	assert.True(t, resp.Paused)
	assert.Equal(t, 2.5, resp.StepM)

	// invalid updates leave every field untouched
	rec = f.do(t, http.MethodPatch, "/api/v1/simulation", `{"paused": false, "interval_ms": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, sim.settings.Paused())
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/simulation", `{"fraction": 2}`).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/simulation/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[SimulationResponse](t, rec)
	assert.Equal(t, int64(2000), resp.IntervalMS)
	assert.False(t, resp.Paused)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	f.do(t, http.MethodGet, "/api/v1/anchors", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "locator_http_requests_total")
	assert.Contains(t, body, `path="/api/v1/anchors`)
}

func TestCorrelationIDPropagation(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tags/missing", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "corr-123", rec.Header().Get("X-Correlation-ID"))
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "not_found", resp.Error)
	assert.Equal(t, "corr-123", resp.CorrelationID)
}

func TestWriteErrorTypes(t *testing.T) {
	for status, want := range map[int]string{
		http.StatusBadRequest:          "bad_request",
		http.StatusNotFound:            "not_found",
		http.StatusUnprocessableEntity: "validation_error",
		http.StatusServiceUnavailable:  "unavailable",
		http.StatusTeapot:              "internal_error",
	} {
		rec := httptest.NewRecorder()
		WriteError(rec, status, "x", "c")
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(rec.Body.Bytes()), &resp))
		assert.Equal(t, want, resp.Error)
		assert.Equal(t, status, rec.Code)
	}
}
