package rest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/remote/memmirror"
)

func newPair(t *testing.T) (*Client, *memmirror.Mirror) {
	t.Helper()
	m := memmirror.New()
	srv := httptest.NewServer(Handler(m, "secret", zerolog.Nop()))
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", 2*time.Second, zerolog.Nop()), m
}

func persona(id string, v int64) remote.Record {
	return remote.Record{Type: model.EntityPersona, ID: id, Version: v, Origin: "dev-a", Data: json.RawMessage(`{"name":"p"}`)}
}

func TestClient_PushPull(t *testing.T) {
	c, _ := newPair(t)
	ctx := context.Background()

	stored, err := c.Push(ctx, persona("p1", 1), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Seq)
	require.JSONEq(t, `{"name":"p"}`, string(stored.Data))

	_, err = c.Push(ctx, persona("p1", 2), 0)
	ce, ok := remote.AsConflict(err)
	require.True(t, ok, "want conflict, got %v", err)
	require.Equal(t, int64(1), ce.Current.Version)
	require.Equal(t, "dev-a", ce.Current.Origin)

	_, err = c.Push(ctx, persona("p2", 1), 0)
	require.NoError(t, err)

	recs, next, err := c.Pull(ctx, model.EntityPersona, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, remote.Cursor(2), next)

	recs, next2, err := c.Pull(ctx, model.EntityPersona, next, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, next, next2)
}

func TestClient_ErrorClassification(t *testing.T) {
	m := memmirror.New()
	srv := httptest.NewServer(Handler(m, "secret", zerolog.Nop()))
	defer srv.Close()
	ctx := context.Background()

	wrongKey := New(srv.URL, "nope", time.Second, zerolog.Nop())
	_, err := wrongKey.Push(ctx, persona("p", 1), 0)
	require.True(t, remote.IsIrrecoverable(err), "401 must not be retried: %v", err)

	good := New(srv.URL, "secret", time.Second, zerolog.Nop())
	m.SetOffline(true)
	_, _, err = good.Pull(ctx, model.EntityPersona, 0, 10)
	require.ErrorIs(t, err, model.ErrTransient)
	require.Error(t, good.HealthPing(ctx))

	srv.Close()
	_, err = good.Push(ctx, persona("p", 1), 0)
	require.ErrorIs(t, err, model.ErrTransient)
}

func TestClient_Subscribe(t *testing.T) {
	c, m := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := c.Subscribe(ctx, model.EntityPersona)
	require.NoError(t, err)

	// the handler subscribes before it sends the stream headers
	_, err = m.Push(ctx, persona("p1", 1), 0)
	require.NoError(t, err)
	select {
	case ch := <-feed:
		require.Equal(t, "p1", ch.ID)
		require.Equal(t, int64(1), ch.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	for range feed {
	}
}

func TestClient_SubscribeUnavailable(t *testing.T) {
	srv := httptest.NewServer(Handler(memmirror.New(memmirror.WithoutFeed()), "", zerolog.Nop()))
	defer srv.Close()
	_, err := New(srv.URL, "", time.Second, zerolog.Nop()).Subscribe(context.Background(), model.EntityPersona)
	require.ErrorIs(t, err, remote.ErrFeedUnavailable)
}
