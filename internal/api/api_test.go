package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/auth"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/sse"
	"github.com/yourownai/relay/internal/store/sqlite"
)

const testToken = "pair-me"

func newTestServer(t *testing.T, gen inference.Generator) *httptest.Server {
	t.Helper()
	bus := events.NewBus(16)
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "relay.db"), sqlite.WithNotifier(bus.LocalWriteNotifier()))
	require.NoError(t, err)
	b := broker.New(s.Messages(), zerolog.Nop(), 64)

	router := NewRouter(Deps{
		Chat:          services.NewChatService(s, b, gen, "dev-test", zerolog.Nop()),
		Conversations: services.NewConversationService(s, b, zerolog.Nop()),
		Memories:      services.NewMemoryService(s),
		Personas:      services.NewPersonaService(s),
		Status:        services.NewStatusService(s, b, bus, services.DeviceInfo{DeviceID: "dev-test", DeviceName: "kitchen", AppVersion: "test", Port: 8765}, ""),
		Authorizer:    auth.NewAuthorizer(testToken),
		KeepAlive:     time.Hour,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		b.Shutdown(context.Background())
		_ = s.Close()
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createConversation(t *testing.T, srv *httptest.Server, title string) model.Conversation {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/conversations", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var c model.Conversation
	decode(t, resp, &c)
	return c
}

func readFrames(t *testing.T, body io.Reader) []sse.Frame {
	t.Helper()
	dec := sse.NewDecoder(body)
	defer dec.Close()
	var frames []sse.Frame
	for {
		f, err := dec.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
		if f.Terminal() {
			return frames
		}
	}
}

func TestSendMessage_StreamsReply(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	c := createConversation(t, srv, "lan chat")

	resp := do(t, srv, http.MethodPost, "/api/conversations/"+c.ID+"/messages", map[string]string{"content": "Hello from the couch"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Message-Id"))

	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)
	var text strings.Builder
	for _, f := range frames[:len(frames)-1] {
		require.Equal(t, sse.KindChunk, f.Kind)
		text.WriteString(f.Text)
	}
	assert.Equal(t, "Hello from the couch", text.String())
	assert.Equal(t, sse.KindDone, frames[len(frames)-1].Kind)

	msgResp := do(t, srv, http.MethodGet, "/api/conversations/"+c.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, msgResp.StatusCode)
	var msgs []model.Message
	decode(t, msgResp, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello from the couch", msgs[1].Content)
	assert.Equal(t, model.StatusComplete, msgs[1].Status)
	assert.Equal(t, resp.Header.Get("X-Message-Id"), msgs[1].ID)
}

func TestSendMessage_ArchivedIs404(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	c := createConversation(t, srv, "old")

	resp := do(t, srv, http.MethodPatch, "/api/conversations/"+c.ID, map[string]bool{"archived": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, srv, http.MethodPost, "/api/conversations/"+c.ID+"/messages", map[string]string{"content": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp2 := do(t, srv, http.MethodPost, "/api/conversations/nope/messages", map[string]string{"content": "hi"})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestArchivedConversation_MessagesAre404(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	c := createConversation(t, srv, "shelved")

	resp := do(t, srv, http.MethodGet, "/api/conversations/"+c.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, srv, http.MethodPatch, "/api/conversations/"+c.ID, map[string]bool{"archived": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	for _, path := range []string{"/messages", "/stream"} {
		resp = do(t, srv, http.MethodGet, "/api/conversations/"+c.ID+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}

	// the conversation itself stays readable so it can be unarchived
	resp = do(t, srv, http.MethodGet, "/api/conversations/"+c.ID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessage_Validation(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	c := createConversation(t, srv, "v")

	resp := do(t, srv, http.MethodPost, "/api/conversations/"+c.ID+"/messages", map[string]string{"content": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinAndCancel_NothingStreaming(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	c := createConversation(t, srv, "idle")

	resp := do(t, srv, http.MethodGet, "/api/conversations/"+c.ID+"/stream", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/conversations/"+c.ID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	a := createConversation(t, srv, "a")
	createConversation(t, srv, "b")

	resp := do(t, srv, http.MethodPatch, "/api/conversations/"+a.ID, map[string]interface{}{"pinned": true, "title": "a renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Conversation
	decode(t, resp, &updated)
	assert.True(t, updated.Pinned)
	assert.Equal(t, "a renamed", updated.Title)
	assert.Greater(t, updated.Version, a.Version)

	resp = do(t, srv, http.MethodGet, "/api/conversations?pinned=true", nil)
	var pinned []model.Conversation
	decode(t, resp, &pinned)
	require.Len(t, pinned, 1)
	assert.Equal(t, a.ID, pinned[0].ID)

	resp = do(t, srv, http.MethodGet, "/api/conversations?pinned=maybe", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/conversations/"+a.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations/"+a.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st services.SyncStatus
	decode(t, resp, &st)
	assert.False(t, st.Enabled)
	assert.Positive(t, st.Pending)
	assert.Empty(t, st.FailedOps)
}

func TestStatusAndAuth(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})
	createConversation(t, srv, "counted")

	// /status is open for discovery
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st services.Status
	decode(t, resp, &st)
	assert.Equal(t, "dev-test", st.DeviceID)
	assert.Equal(t, "kitchen", st.DeviceName)
	assert.Equal(t, 1, st.Counts.Conversations)
	assert.Zero(t, st.ActiveGenerations)

	resp, err = http.Get(srv.URL + "/api/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var health map[string]interface{}
	decode(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])
}

func TestPersonasAndMemories(t *testing.T) {
	srv := newTestServer(t, inference.Echo{})

	resp := do(t, srv, http.MethodPost, "/api/personas", map[string]string{"name": "Coach", "systemPrompt": "Be brief."})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p model.Persona
	decode(t, resp, &p)

	resp = do(t, srv, http.MethodPost, "/api/memories", map[string]string{"fact": "runs on tuesdays", "personaId": p.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var m model.MemoryEntry
	decode(t, resp, &m)

	resp = do(t, srv, http.MethodGet, "/api/memories?personaId="+p.ID, nil)
	var ms []model.MemoryEntry
	decode(t, resp, &ms)
	require.Len(t, ms, 1)
	assert.Equal(t, "runs on tuesdays", ms[0].Fact)

	resp = do(t, srv, http.MethodPost, "/api/memories", map[string]string{"fact": ""})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/memories/"+m.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/personas/"+p.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/personas", nil)
	var ps []model.Persona
	decode(t, resp, &ps)
	assert.Empty(t, ps)
}
