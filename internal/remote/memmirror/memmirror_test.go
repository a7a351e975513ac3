package memmirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

func rec(id string, v int64) remote.Record {
	return remote.Record{Type: model.EntityConversation, ID: id, Version: v, Data: json.RawMessage(`{}`)}
}

func TestPush_CompareAndSwap(t *testing.T) {
	m := New()
	ctx := context.Background()

	got, err := m.Push(ctx, rec("a", 1), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Seq)

	_, err = m.Push(ctx, rec("a", 2), 0)
	ce, ok := remote.AsConflict(err)
	require.True(t, ok)
	require.Equal(t, int64(1), ce.Current.Version)

	got, err = m.Push(ctx, rec("a", 2), 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Seq)
}

func TestPull_CursorOrder(t *testing.T) {
	m := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Push(ctx, rec(id, 1), 0)
		require.NoError(t, err)
	}
	_, err := m.Push(ctx, rec("a", 2), 1)
	require.NoError(t, err)

	page, next, err := m.Pull(ctx, model.EntityConversation, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, []string{page[0].ID, page[1].ID})
	require.Equal(t, remote.Cursor(3), next)

	page, next, err = m.Pull(ctx, model.EntityConversation, next, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].ID)
	require.Equal(t, remote.Cursor(4), next)

	page, same, err := m.Pull(ctx, model.EntityConversation, next, 10)
	require.NoError(t, err)
	require.Empty(t, page)
	require.Equal(t, next, same)
}

func TestOfflineIsRecoverable(t *testing.T) {
	m := New()
	m.SetOffline(true)
	_, err := m.Push(context.Background(), rec("a", 1), 0)
	require.ErrorIs(t, err, model.ErrTransient)
	require.Error(t, m.HealthPing(context.Background()))
}

func TestSubscribe_DeliversAndDrops(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, model.EntityConversation)
	require.NoError(t, err)
	_, err = m.Push(ctx, rec("a", 1), 0)
	require.NoError(t, err)

	select {
	case c := <-ch:
		require.Equal(t, "a", c.ID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	m.DropFeeds()
	_, ok := <-ch
	require.False(t, ok)

	_, err = New(WithoutFeed()).Subscribe(ctx, model.EntityConversation)
	require.ErrorIs(t, err, remote.ErrFeedUnavailable)
}
