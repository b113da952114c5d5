package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/zones"
)

// ZoneLister lists the configured zones
type ZoneLister interface {
	Zones() []zones.Zone
}

// ZoneHandler reports zones with their current occupancy
type ZoneHandler struct {
	zones  ZoneLister
	tags   TagReader
	logger zerolog.Logger
}

// NewZoneHandler creates a new ZoneHandler
func NewZoneHandler(z ZoneLister, t TagReader, logger zerolog.Logger) *ZoneHandler {
	return &ZoneHandler{
		zones:  z,
		tags:   t,
		logger: logger.With().Str("handler", "zones").Logger(),
	}
}

// ZoneResponse is a zone with the tags whose latest fix lies in it
type ZoneResponse struct {
	zones.Zone
	Occupants []string `json:"occupants"`
}

// ZoneListResponse represents the response for listing zones
type ZoneListResponse struct {
	Zones         []ZoneResponse `json:"zones"`
	Unzoned       []string       `json:"unzoned"`
	CorrelationID string         `json:"correlation_id"`
}

// ListZones handles GET /api/v1/zones
func (h *ZoneHandler) ListZones(w http.ResponseWriter, r *http.Request) {
	list := h.zones.Zones()
	resp := ZoneListResponse{
		Zones:         make([]ZoneResponse, 0, len(list)),
		Unzoned:       []string{},
		CorrelationID: GetCorrelationID(r.Context()),
	}
	index := make(map[string]int, len(list))
	for i, z := range list {
		index[z.ID] = i
		resp.Zones = append(resp.Zones, ZoneResponse{Zone: z, Occupants: []string{}})
	}

	for _, v := range h.tags.Snapshot() {
		if v.Fix == nil {
			continue
		}
		if i, ok := index[v.Fix.ZoneID]; ok {
			resp.Zones[i].Occupants = append(resp.Zones[i].Occupants, v.ID)
		} else {
			resp.Unzoned = append(resp.Unzoned, v.ID)
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}
