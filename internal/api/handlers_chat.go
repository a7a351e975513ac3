package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/yourownai/relay/internal/api/respond"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/sse"
)

type chatHandler struct {
	svc       *services.ChatService
	keepAlive time.Duration
}

// Send POST /api/conversations/{id}/messages
// The reply is streamed as SSE frames until done or error.
func (h *chatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req services.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	sub, err := h.svc.Send(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	h.stream(w, r, sub)
}

// Join GET /api/conversations/{id}/stream
func (h *chatHandler) Join(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Join(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	h.stream(w, r, sub)
}

// Cancel POST /api/conversations/{id}/cancel
func (h *chatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, msg)
}

// stream relays sub to the client. Leaving early only detaches this listener.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request, sub *broker.Subscription) {
	defer sub.Close()
	w.Header().Set("X-Message-Id", sub.MessageID)
	sw := sse.NewWriter(w)

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			err = sw.Comment("keep-alive")
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case broker.EventDelta:
				err = sw.WriteFrame(sse.Chunk(ev.Text))
			case broker.EventDone:
				_ = sw.WriteFrame(sse.Done())
				return
			case broker.EventError:
				_ = sw.WriteFrame(sse.Error(reason(ev.Err)))
				return
			}
		}
		if err != nil {
			log.Debug().Err(err).Str("message_id", sub.MessageID).Msg("stream client gone")
			return
		}
	}
}

func reason(err error) string {
	switch {
	case err == nil:
		return "generation failed"
	case errors.Is(err, model.ErrCancelled):
		return "cancelled"
	case errors.Is(err, model.ErrOverflow):
		return "too slow: stream buffer overflow"
	}
	return err.Error()
}
