package handlers

import (
	"net/http"

	"chatbridge/internal/hub"
)

// HealthHandler reports whether the process is accepting traffic, along
// with the hub's current occupancy.
type HealthHandler struct {
	Hub *hub.Manager
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	stats := h.Hub.Stats()
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"connections":   stats.Connections,
		"users":         stats.Users,
		"conversations": stats.Conversations,
	})
}
