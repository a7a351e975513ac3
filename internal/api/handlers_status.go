package api

import (
	"net/http"
	"strconv"

	"github.com/yourownai/relay/internal/api/respond"
	"github.com/yourownai/relay/internal/services"
)

type statusHandler struct {
	svc *services.StatusService
}

// Status GET /status
func (h *statusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, st)
}

// Sync GET /api/sync/status?limit=
func (h *statusHandler) Sync(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respond.WriteBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	st, err := h.svc.Sync(r.Context(), limit)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, st)
}

// RequestSync POST /api/sync
func (h *statusHandler) RequestSync(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusAccepted, map[string]bool{"queued": h.svc.RequestSync()})
}
