package client

import (
	"context"
	"errors"
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

	"github.com/yourownai/relay/internal/api"
	"github.com/yourownai/relay/internal/auth"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/sse"
	"github.com/yourownai/relay/internal/store/sqlite"
)

func startRelay(t *testing.T, gen inference.Generator) string {
	t.Helper()
	bus := events.NewBus(16)
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	b := broker.New(s.Messages(), zerolog.Nop(), 64)
	srv := httptest.NewServer(api.NewRouter(api.Deps{
		Chat:          services.NewChatService(s, b, gen, "dev-client", zerolog.Nop()),
		Conversations: services.NewConversationService(s, b, zerolog.Nop()),
		Memories:      services.NewMemoryService(s),
		Personas:      services.NewPersonaService(s),
		Status:        services.NewStatusService(s, b, bus, services.DeviceInfo{DeviceID: "dev-client"}, ""),
		Authorizer:    auth.NewAuthorizer("secret"),
	}))
	t.Cleanup(func() {
		srv.Close()
		b.Shutdown(context.Background())
		_ = s.Close()
	})
	return srv.URL
}

func TestClient_SendCollectsReply(t *testing.T) {
	ctx := context.Background()
	c, err := New(startRelay(t, inference.Echo{}), WithToken("secret"))
	require.NoError(t, err)

	conv, err := c.CreateConversation(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "New conversation", conv.Title)

	st, err := c.Send(ctx, conv.ID, services.SendRequest{Content: "ping over the lan"})
	require.NoError(t, err)
	defer st.Close()
	assert.NotEmpty(t, st.MessageID)

	text, err := st.Collect()
	require.NoError(t, err)
	assert.Equal(t, "ping over the lan", text)

	_, err = st.Next()
	assert.ErrorIs(t, err, ErrStreamEnded)

	msgs, err := c.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, st.MessageID, msgs[1].ID)
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t, inference.Echo{})

	anon, err := New(url)
	require.NoError(t, err)
	_, err = anon.ListConversations(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// status stays reachable for discovery
	status, err := anon.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-client", status.DeviceID)

	c, err := New(url, WithToken("secret"))
	require.NoError(t, err)
	_, err = c.Send(ctx, "missing", services.SendRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Join(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	_, err = c.Cancel(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_CancelEndsStream(t *testing.T) {
	ctx := context.Background()
	c, err := New(startRelay(t, inference.Echo{Delay: 50 * time.Millisecond}), WithToken("secret"))
	require.NoError(t, err)
	conv, err := c.CreateConversation(ctx, "slow", nil)
	require.NoError(t, err)

	st, err := c.Send(ctx, conv.ID, services.SendRequest{Content: strings.Repeat("word ", 100)})
	require.NoError(t, err)
	defer st.Close()

	f, err := st.Next()
	require.NoError(t, err)
	require.Equal(t, sse.KindChunk, f.Kind)

	_, err = c.Send(ctx, conv.ID, services.SendRequest{Content: "again"})
	assert.ErrorIs(t, err, ErrConflict)

	msg, err := c.Cancel(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, msg.Status)

	_, err = st.Collect()
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Cancelled())
}

func TestStream_TruncatedBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {\"chunk\":\"par\"}\n\n"))
	st := newStream(body, "m1")
	defer st.Close()
	text, err := st.Collect()
	assert.Equal(t, "par", text)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("http://relay.local", WithHTTPTimeout(0))
	assert.Error(t, err)
}
