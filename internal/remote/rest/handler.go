package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/auth"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/sse"
)

const maxPullLimit = 1000

// Handler serves m over the protocol Client speaks. A non-empty apiKey is
// required as a Bearer token.
func Handler(m remote.Mirror, apiKey string, log zerolog.Logger) http.Handler {
	h := &handler{m: m, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/rows/{type}/{id}", h.push).Methods(http.MethodPut)
	r.HandleFunc("/rows/{type}", h.pull).Methods(http.MethodGet)
	r.HandleFunc("/changes/{type}", h.changes).Methods(http.MethodGet)
	r.Use(auth.Middleware(auth.NewAuthorizer(apiKey)))
	return r
}

type handler struct {
	m   remote.Mirror
	log zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func entityType(r *http.Request) (model.EntityType, bool) {
	t := model.EntityType(mux.Vars(r)["type"])
	for _, known := range model.EntityTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.m.HealthPing(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		http.Error(w, "unknown entity type", http.StatusBadRequest)
		return
	}
	expected, err := strconv.ParseInt(r.Header.Get("If-Match"), 10, 64)
	if err != nil {
		http.Error(w, "If-Match must carry the expected version", http.StatusPreconditionRequired)
		return
	}
	var rec remote.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid record", http.StatusBadRequest)
		return
	}
	rec.Type, rec.ID = t, mux.Vars(r)["id"]

	stored, err := h.m.Push(r.Context(), rec, expected)
	if ce, ok := remote.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, ce.Current)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *handler) pull(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		http.Error(w, "unknown entity type", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > maxPullLimit {
		limit = maxPullLimit
	}
	recs, next, err := h.m.Pull(r.Context(), t, remote.Cursor(since), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if recs == nil {
		recs = []remote.Record{}
	}
	writeJSON(w, http.StatusOK, pullResponse{Records: recs, Cursor: next})
}

func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		http.Error(w, "unknown entity type", http.StatusBadRequest)
		return
	}
	feed, err := h.m.Subscribe(r.Context(), t)
	if errors.Is(err, remote.ErrFeedUnavailable) {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	sw := sse.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-feed:
			if !ok {
				return
			}
			if err := sw.WriteEvent("change", c); err != nil {
				return
			}
		}
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if remote.IsIrrecoverable(err) {
		status = http.StatusBadRequest
	} else if errors.Is(err, model.ErrTransient) {
		status = http.StatusServiceUnavailable
	}
	h.log.Warn().Err(err).Int("status", status).Msg("mirror request failed")
	http.Error(w, err.Error(), status)
}
