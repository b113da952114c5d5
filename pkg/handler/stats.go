package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/stats"
)

// StatsProvider builds the current summary
type StatsProvider func() stats.Summary

// StatsHandler serves the statistics summary
type StatsHandler struct {
	provider StatsProvider
	logger   zerolog.Logger
}

// NewStatsHandler creates a new StatsHandler
func NewStatsHandler(provider StatsProvider, logger zerolog.Logger) *StatsHandler {
	return &StatsHandler{
		provider: provider,
		logger:   logger.With().Str("handler", "stats").Logger(),
	}
}

// GetStats handles GET /api/v1/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Correlation-ID", GetCorrelationID(r.Context()))
	WriteJSON(w, http.StatusOK, h.provider())
}
