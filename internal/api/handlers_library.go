package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/yourownai/relay/internal/api/respond"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/store"
)

type libraryHandler struct {
	memories *services.MemoryService
	personas *services.PersonaService
}

func optString(r *http.Request, name string) *string {
	if v := r.URL.Query().Get(name); v != "" {
		return &v
	}
	return nil
}

// ListMemories GET /api/memories?personaId=&conversationId=
func (h *libraryHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	f := store.MemoryFilter{PersonaID: optString(r, "personaId"), ConversationID: optString(r, "conversationId")}
	ms, err := h.memories.List(r.Context(), f)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if ms == nil {
		ms = []*model.MemoryEntry{}
	}
	respond.WriteJSON(w, http.StatusOK, ms)
}

// CreateMemory POST /api/memories
func (h *libraryHandler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fact           string  `json:"fact"`
		ConversationID *string `json:"conversationId,omitempty"`
		MessageID      *string `json:"messageId,omitempty"`
		PersonaID      *string `json:"personaId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	m, err := h.memories.Create(r.Context(), &model.MemoryEntry{
		Fact:           req.Fact,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		PersonaID:      req.PersonaID,
	})
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, m)
}

// DeleteMemory DELETE /api/memories/{id}
func (h *libraryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.memories.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPersonas GET /api/personas?includeArchived=
func (h *libraryHandler) ListPersonas(w http.ResponseWriter, r *http.Request) {
	all, err := boolParam(r, "includeArchived")
	if err != nil {
		respond.WriteBadRequest(w, "includeArchived must be a boolean")
		return
	}
	ps, err := h.personas.List(r.Context(), all != nil && *all)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	if ps == nil {
		ps = []*model.Persona{}
	}
	respond.WriteJSON(w, http.StatusOK, ps)
}

// CreatePersona POST /api/personas
func (h *libraryHandler) CreatePersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	p, err := h.personas.Create(r.Context(), &model.Persona{Name: req.Name, Description: req.Description, SystemPrompt: req.SystemPrompt})
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, p)
}

// DeletePersona DELETE /api/personas/{id}
func (h *libraryHandler) DeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := h.personas.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
