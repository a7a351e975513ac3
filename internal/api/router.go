// Package api is the LAN HTTP surface of the relay.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourownai/relay/internal/api/middleware"
	"github.com/yourownai/relay/internal/auth"
	"github.com/yourownai/relay/internal/services"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Chat          *services.ChatService
	Conversations *services.ConversationService
	Memories      *services.MemoryService
	Personas      *services.PersonaService
	Status        *services.StatusService
	Health        HealthReporter
	Authorizer    auth.Authorizer
	// KeepAlive is the SSE comment interval on idle streams.
	KeepAlive time.Duration
}

// NewRouter creates the HTTP router with every API route registered.
func NewRouter(d Deps) *mux.Router {
	if d.Authorizer == nil {
		d.Authorizer = auth.OpenAuthorizer{}
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 15 * time.Second
	}

	router := mux.NewRouter()

	// Global middlewares
	router.Use(middleware.Recover)
	router.Use(middleware.RequestLog)
	router.Use(auth.Middleware(d.Authorizer, "/status", "/api/health", "/metrics"))

	health := NewHealthHandler(d.Health)
	status := &statusHandler{svc: d.Status}
	convs := &conversationHandler{svc: d.Conversations}
	chat := &chatHandler{svc: d.Chat, keepAlive: d.KeepAlive}
	lib := &libraryHandler{memories: d.Memories, personas: d.Personas}

	router.HandleFunc("/status", status.Status).Methods(http.MethodGet)
	router.HandleFunc("/api/health", health.CheckHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Conversations
	router.HandleFunc("/api/conversations", convs.List).Methods(http.MethodGet)
	router.HandleFunc("/api/conversations", convs.Create).Methods(http.MethodPost)
	router.HandleFunc("/api/conversations/{id}", convs.Get).Methods(http.MethodGet)
	router.HandleFunc("/api/conversations/{id}", convs.Update).Methods(http.MethodPatch)
	router.HandleFunc("/api/conversations/{id}", convs.Delete).Methods(http.MethodDelete)
	router.HandleFunc("/api/conversations/{id}/messages", convs.Messages).Methods(http.MethodGet)

	// Streaming chat
	router.HandleFunc("/api/conversations/{id}/messages", chat.Send).Methods(http.MethodPost)
	router.HandleFunc("/api/conversations/{id}/stream", chat.Join).Methods(http.MethodGet)
	router.HandleFunc("/api/conversations/{id}/cancel", chat.Cancel).Methods(http.MethodPost)

	// Memories and personas
	router.HandleFunc("/api/memories", lib.ListMemories).Methods(http.MethodGet)
	router.HandleFunc("/api/memories", lib.CreateMemory).Methods(http.MethodPost)
	router.HandleFunc("/api/memories/{id}", lib.DeleteMemory).Methods(http.MethodDelete)
	router.HandleFunc("/api/personas", lib.ListPersonas).Methods(http.MethodGet)
	router.HandleFunc("/api/personas", lib.CreatePersona).Methods(http.MethodPost)
	router.HandleFunc("/api/personas/{id}", lib.DeletePersona).Methods(http.MethodDelete)

	// Sync indicator
	router.HandleFunc("/api/sync/status", status.Sync).Methods(http.MethodGet)
	router.HandleFunc("/api/sync", status.RequestSync).Methods(http.MethodPost)

	return router
}
