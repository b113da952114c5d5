package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/fusion"
	"github.com/agile-defense/minetrack/pkg/tags"
)

// TagReader reads tag snapshots
type TagReader interface {
	Get(id string) (tags.View, bool)
	Snapshot() []tags.View
}

// TagUpdater applies out-of-band tag updates
type TagUpdater interface {
	UpdateTag(ctx context.Context, id string, u fusion.TagUpdate) (tags.View, error)
}

// TagHandler handles tag-related HTTP requests
type TagHandler struct {
	store   TagReader
	updater TagUpdater
	logger  zerolog.Logger
}

// NewTagHandler creates a new TagHandler
func NewTagHandler(store TagReader, updater TagUpdater, logger zerolog.Logger) *TagHandler {
	return &TagHandler{
		store:   store,
		updater: updater,
		logger:  logger.With().Str("handler", "tags").Logger(),
	}
}

// Routes returns the tag routes
func (h *TagHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListTags)
	r.Get("/{tagId}", h.GetTag)
	r.Get("/{tagId}/trail", h.GetTrail)
	r.Patch("/{tagId}", h.UpdateTag)

	return r
}

// TagListResponse represents the response for listing tags
type TagListResponse struct {
	Tags          []tags.View `json:"tags"`
	Total         int         `json:"total"`
	CorrelationID string      `json:"correlation_id"`
}

// ListTags handles GET /api/v1/tags. Optional filters: zone, status,
// located=true for tags with a fix.
func (h *TagHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())

	q := r.URL.Query()
	zone := q.Get("zone")
	status := q.Get("status")
	located := q.Get("located") == "true"

	list := h.store.Snapshot()
	out := make([]tags.View, 0, len(list))
	for _, v := range list {
		if status != "" && string(v.Status) != status {
			continue
		}
		if (zone != "" || located) && v.Fix == nil {
			continue
		}
		if zone != "" && v.Fix.ZoneID != zone {
			continue
		}
		out = append(out, v)
	}

	WriteJSON(w, http.StatusOK, TagListResponse{
		Tags:          out,
		Total:         len(out),
		CorrelationID: correlationID,
	})
}

// GetTag handles GET /api/v1/tags/{tagId}
func (h *TagHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())
	tagID := chi.URLParam(r, "tagId")

	v, ok := h.store.Get(tagID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Tag not found", correlationID)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// TrailResponse represents a tag trail, oldest point first
type TrailResponse struct {
	TagID         string            `json:"tag_id"`
	Points        []tags.TrailPoint `json:"points"`
	CorrelationID string            `json:"correlation_id"`
}

// GetTrail handles GET /api/v1/tags/{tagId}/trail. limit keeps the newest points.
func (h *TagHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())
	tagID := chi.URLParam(r, "tagId")

	v, ok := h.store.Get(tagID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Tag not found", correlationID)
		return
	}

	points := v.Trail
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer", correlationID)
			return
		}
		if limit < len(points) {
			points = points[len(points)-limit:]
		}
	}
	if points == nil {
		points = []tags.TrailPoint{}
	}

	WriteJSON(w, http.StatusOK, TrailResponse{TagID: tagID, Points: points, CorrelationID: correlationID})
}

// UpdateTag handles PATCH /api/v1/tags/{tagId}
func (h *TagHandler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	tagID := chi.URLParam(r, "tagId")

	var req fusion.TagUpdate
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), correlationID)
		return
	}
	if req.Battery == nil && req.Status == nil && req.Person == nil {
		WriteError(w, http.StatusBadRequest, "No fields to update", correlationID)
		return
	}

	v, err := h.updater.UpdateTag(ctx, tagID, req)
	switch {
	case errors.Is(err, tags.ErrUnknownTag):
		WriteError(w, http.StatusNotFound, "Tag not found", correlationID)
		return
	case errors.Is(err, tags.ErrInvalidStatus):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), correlationID)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("tag_id", tagID).Str("correlation_id", correlationID).Msg("Failed to update tag")
		WriteError(w, http.StatusInternalServerError, "Failed to update tag", correlationID)
		return
	}

	h.logger.Info().Str("tag_id", tagID).Str("status", string(v.Status)).Float64("battery", v.Battery).
		Str("correlation_id", correlationID).Msg("Tag updated")
	WriteJSON(w, http.StatusOK, v)
}
