package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/yourownai/relay/internal/api/respond"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/store"
)

type conversationHandler struct {
	svc *services.ConversationService
}

// boolParam parses an optional boolean query parameter.
func boolParam(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// List GET /api/conversations?archived=&pinned=
func (h *conversationHandler) List(w http.ResponseWriter, r *http.Request) {
	archived, err := boolParam(r, "archived")
	if err != nil {
		respond.WriteBadRequest(w, "archived must be a boolean")
		return
	}
	pinned, err := boolParam(r, "pinned")
	if err != nil {
		respond.WriteBadRequest(w, "pinned must be a boolean")
		return
	}
	convs, err := h.svc.List(r.Context(), store.ConversationFilter{Archived: archived, Pinned: pinned})
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	respond.WriteJSON(w, http.StatusOK, convs)
}

// Create POST /api/conversations
func (h *conversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string  `json:"title"`
		PersonaID *string `json:"personaId,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.WriteBadRequest(w, "Invalid JSON")
			return
		}
	}
	c, err := h.svc.Create(r.Context(), req.Title, req.PersonaID)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, c)
}

// Get GET /api/conversations/{id}
func (h *conversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}

// Update PATCH /api/conversations/{id}
func (h *conversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p services.ConversationPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	c, err := h.svc.Update(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, c)
}

// Delete DELETE /api/conversations/{id}
func (h *conversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages GET /api/conversations/{id}/messages
func (h *conversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.Messages(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, msgs)
}
