package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/anchors"
)

// AnchorReader reads the anchor registry
type AnchorReader interface {
	All() []anchors.Anchor
	Get(id string) (anchors.Anchor, bool)
}

// AnchorUpdater applies anchor status changes
type AnchorUpdater interface {
	UpdateAnchor(ctx context.Context, id string, u anchors.StatusUpdate) (anchors.Anchor, error)
}

// AnchorHandler handles anchor-related HTTP requests
type AnchorHandler struct {
	registry AnchorReader
	updater  AnchorUpdater
	logger   zerolog.Logger
}

// NewAnchorHandler creates a new AnchorHandler
func NewAnchorHandler(registry AnchorReader, updater AnchorUpdater, logger zerolog.Logger) *AnchorHandler {
	return &AnchorHandler{
		registry: registry,
		updater:  updater,
		logger:   logger.With().Str("handler", "anchors").Logger(),
	}
}

// Routes returns the anchor routes
func (h *AnchorHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListAnchors)
	r.Get("/{anchorId}", h.GetAnchor)
	r.Patch("/{anchorId}", h.UpdateAnchor)

	return r
}

// AnchorListResponse represents the response for listing anchors
type AnchorListResponse struct {
	Anchors       []anchors.Anchor `json:"anchors"`
	Total         int              `json:"total"`
	Online        int              `json:"online"`
	CorrelationID string           `json:"correlation_id"`
}

// ListAnchors handles GET /api/v1/anchors in configuration order
func (h *AnchorHandler) ListAnchors(w http.ResponseWriter, r *http.Request) {
	list := h.registry.All()
	online := 0
	for _, a := range list {
		if a.Online {
			online++
		}
	}
	WriteJSON(w, http.StatusOK, AnchorListResponse{
		Anchors:       list,
		Total:         len(list),
		Online:        online,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// GetAnchor handles GET /api/v1/anchors/{anchorId}
func (h *AnchorHandler) GetAnchor(w http.ResponseWriter, r *http.Request) {
	a, ok := h.registry.Get(chi.URLParam(r, "anchorId"))
	if !ok {
		WriteError(w, http.StatusNotFound, "Anchor not found", GetCorrelationID(r.Context()))
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// UpdateAnchor handles PATCH /api/v1/anchors/{anchorId}
func (h *AnchorHandler) UpdateAnchor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	anchorID := chi.URLParam(r, "anchorId")

	var req anchors.StatusUpdate
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), correlationID)
		return
	}
	if req.Online == nil && req.Battery == nil && req.SignalQuality == nil {
		WriteError(w, http.StatusBadRequest, "No fields to update", correlationID)
		return
	}

	a, err := h.updater.UpdateAnchor(ctx, anchorID, req)
	if errors.Is(err, anchors.ErrUnknownAnchor) {
		WriteError(w, http.StatusNotFound, "Anchor not found", correlationID)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("anchor_id", anchorID).Str("correlation_id", correlationID).Msg("Failed to update anchor")
		WriteError(w, http.StatusInternalServerError, "Failed to update anchor", correlationID)
		return
	}

	h.logger.Info().Str("anchor_id", anchorID).Bool("online", a.Online).Float64("battery", a.Battery).
		Str("correlation_id", correlationID).Msg("Anchor updated")
	WriteJSON(w, http.StatusOK, a)
}
