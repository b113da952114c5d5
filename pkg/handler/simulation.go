package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/simulation"
)

// SimulationControl exposes the simulation source settings
type SimulationControl interface {
	Settings() *simulation.Settings
	Counters() (ticks, emitted uint64)
}

// SimulationHandler reads and adjusts the simulation source at runtime
type SimulationHandler struct {
	sim    SimulationControl
	logger zerolog.Logger
}

// NewSimulationHandler creates a handler. sim is nil when the locator runs
// without simulation; every route then answers 404.
func NewSimulationHandler(sim SimulationControl, logger zerolog.Logger) *SimulationHandler {
	return &SimulationHandler{
		sim:    sim,
		logger: logger.With().Str("handler", "simulation").Logger(),
	}
}

// Routes returns the simulation routes
func (h *SimulationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetSettings)
	r.Patch("/", h.PatchSettings)
	r.Post("/reset", h.ResetSettings)

	return r
}

// SimulationResponse represents the simulation settings and counters
type SimulationResponse struct {
	IntervalMS int64   `json:"interval_ms"`
	StepM      float64 `json:"step_m"`
	Fraction   float64 `json:"fraction"`
	Paused     bool    `json:"paused"`
	Ticks      uint64  `json:"ticks"`
	Emitted    uint64  `json:"emitted"`
}

// SimulationUpdateRequest represents a partial settings update
type SimulationUpdateRequest struct {
	IntervalMS *int64   `json:"interval_ms,omitempty"`
	StepM      *float64 `json:"step_m,omitempty"`
	Fraction   *float64 `json:"fraction,omitempty"`
	Paused     *bool    `json:"paused,omitempty"`
}

func (req SimulationUpdateRequest) validate() error {
	if req.IntervalMS != nil {
		d := time.Duration(*req.IntervalMS) * time.Millisecond
		if d < simulation.MinInterval || d > simulation.MaxInterval {
			return fmt.Errorf("interval_ms must be between %d and %d",
				simulation.MinInterval.Milliseconds(), simulation.MaxInterval.Milliseconds())
		}
	}
	if req.StepM != nil && (*req.StepM < simulation.MinStepSize || *req.StepM > simulation.MaxStepSize) {
		return fmt.Errorf("step_m must be between %.1f and %.1f", simulation.MinStepSize, simulation.MaxStepSize)
	}
	if req.Fraction != nil && (*req.Fraction < simulation.MinFraction || *req.Fraction > simulation.MaxFraction) {
		return fmt.Errorf("fraction must be between %.1f and %.1f", simulation.MinFraction, simulation.MaxFraction)
	}
	return nil
}

func (h *SimulationHandler) enabled(w http.ResponseWriter, r *http.Request) bool {
	if h.sim == nil {
		WriteError(w, http.StatusNotFound, "Simulation is not enabled", GetCorrelationID(r.Context()))
		return false
	}
	return true
}

// GetSettings handles GET /api/v1/simulation
func (h *SimulationHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w, r) {
		return
	}
	s := h.sim.Settings().Snapshot()
	ticks, emitted := h.sim.Counters()
	WriteJSON(w, http.StatusOK, SimulationResponse{
		IntervalMS: s.Interval.Milliseconds(),
		StepM:      s.StepSize,
		Fraction:   s.Fraction,
		Paused:     s.Paused,
		Ticks:      ticks,
		Emitted:    emitted,
	})
}

// PatchSettings handles PATCH /api/v1/simulation. The update is validated as
// a whole before any field is applied.
func (h *SimulationHandler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w, r) {
		return
	}
	correlationID := GetCorrelationID(r.Context())

	var req SimulationUpdateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error(), correlationID)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
		return
	}

	settings := h.sim.Settings()
	if req.IntervalMS != nil {
		interval := time.Duration(*req.IntervalMS) * time.Millisecond
		if err := settings.SetInterval(interval); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
			return
		}
		h.logger.Info().Dur("interval", interval).Msg("Updated simulation interval")
	}
	if req.StepM != nil {
		if err := settings.SetStepSize(*req.StepM); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
			return
		}
		h.logger.Info().Float64("step_m", *req.StepM).Msg("Updated simulation step")
	}
	if req.Fraction != nil {
		if err := settings.SetFraction(*req.Fraction); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
			return
		}
		h.logger.Info().Float64("fraction", *req.Fraction).Msg("Updated simulation fraction")
	}
	if req.Paused != nil {
		settings.SetPaused(*req.Paused)
		h.logger.Info().Bool("paused", *req.Paused).Msg("Updated paused state")
	}

	h.GetSettings(w, r)
}

// ResetSettings handles POST /api/v1/simulation/reset
func (h *SimulationHandler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w, r) {
		return
	}
	h.sim.Settings().Reset()
	h.logger.Info().Msg("Simulation settings reset to defaults")
	h.GetSettings(w, r)
}
