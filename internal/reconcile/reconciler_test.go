package reconcile

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/remote/memmirror"
	"github.com/yourownai/relay/internal/store/sqlite"
)

type device struct {
	id    string
	store *sqlite.Store
	rec   *Reconciler
	bus   *events.Bus
}

func newDevice(t *testing.T, id string, m remote.Mirror, tweak ...func(*Config)) *device {
	t.Helper()
	bus := events.NewBus(64)
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), id+".db"), sqlite.WithNotifier(bus.LocalWriteNotifier()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := Config{
		DeviceID:     id,
		PushInterval: 20 * time.Millisecond,
		PullInterval: 50 * time.Millisecond,
		MaxAttempts:  3,
		CallTimeout:  time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
	for _, f := range tweak {
		f(&cfg)
	}
	return &device{id: id, store: s, rec: New(s.Sync(), m, VersionPolicy{}, bus, cfg, zerolog.Nop()), bus: bus}
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, d.rec.RunOnce(context.Background()))
}

func (d *device) pending(t *testing.T) int {
	t.Helper()
	st, err := d.store.Sync().Stats(context.Background())
	require.NoError(t, err)
	return st.Pending
}

func TestRemoteOnlyEntityIsInserted(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)
	b := newDevice(t, "dev-b", m)

	c, err := a.store.Conversations().Create(ctx, &model.Conversation{Title: "trip"})
	require.NoError(t, err)
	_, err = a.store.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hello", DeviceID: a.id})
	require.NoError(t, err)

	a.sync(t)
	require.Zero(t, a.pending(t))

	b.sync(t)
	got, err := b.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "trip", got.Title)
	msgs, err := b.store.Messages().ListByConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, a.id, msgs[0].DeviceID)

	// applying remote rows does not queue them back
	require.Zero(t, b.pending(t))
	conflicts, err := b.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	b := newDevice(t, "dev-b", m)

	rec := remote.Record{
		Type:    model.EntityPersona,
		ID:      "p1",
		Version: 2,
		Origin:  "dev-a",
		Data:    json.RawMessage(`{"id":"p1","name":"Chef","description":"","systemPrompt":"cook","createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-01T00:00:00Z","archived":false,"version":2}`),
	}
	for i := 0; i < 3; i++ {
		wait, err := b.rec.applyRecord(ctx, rec)
		require.NoError(t, err)
		require.False(t, wait)
	}

	p, err := b.store.Personas().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Chef", p.Name)
	assert.Equal(t, int64(2), p.Version)
	rv, err := b.store.Sync().RemoteVersion(ctx, model.EntityPersona, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rv)
	require.Zero(t, b.pending(t))
	conflicts, err := b.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestReapplyWithOlderTimestampIsUnchanged(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	z := newDevice(t, "dev-z", m)

	c, err := z.store.Conversations().Create(ctx, &model.Conversation{Title: "local"})
	require.NoError(t, err)
	z.sync(t)
	require.Zero(t, z.pending(t))

	// dev-a wrote v5 with a clock an hour behind ours
	row := *c
	row.Title = "from dev-a"
	row.Version = 5
	row.UpdatedAt = c.UpdatedAt.Add(-time.Hour)
	data, err := json.Marshal(row)
	require.NoError(t, err)
	rec := remote.Record{Type: model.EntityConversation, ID: c.ID, Version: 5, Origin: "dev-a", Data: data}

	for i := 0; i < 2; i++ {
		wait, err := z.rec.applyRecord(ctx, rec)
		require.NoError(t, err)
		require.False(t, wait)
	}

	got, err := z.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "from dev-a", got.Title)
	assert.Equal(t, int64(5), got.Version)
	assert.True(t, got.UpdatedAt.Equal(c.UpdatedAt), "local timestamp kept")
	require.Zero(t, z.pending(t))
	conflicts, err := z.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestRemoteNewerVersionWins(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	b := newDevice(t, "dev-b", m)

	c, err := b.store.Conversations().Create(ctx, &model.Conversation{Title: "v1"})
	require.NoError(t, err)
	for _, title := range []string{"v2", "v3"} {
		c.Title = title
		c, err = b.store.Conversations().Update(ctx, c)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), c.Version)
	b.sync(t)
	require.Zero(t, b.pending(t))

	// another device moved the row to v5
	remoteRow := *c
	remoteRow.Title = "from elsewhere"
	remoteRow.Version = 5
	data, err := json.Marshal(remoteRow)
	require.NoError(t, err)
	_, err = m.Push(ctx, remote.Record{Type: model.EntityConversation, ID: c.ID, Version: 5, Origin: "dev-z", Data: data}, 3)
	require.NoError(t, err)

	require.NoError(t, b.rec.PullAll(ctx))
	got, err := b.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "from elsewhere", got.Title)
	assert.Equal(t, int64(5), got.Version)
	require.Zero(t, b.pending(t))
	conflicts, err := b.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestConcurrentEditsConverge(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)
	b := newDevice(t, "dev-b", m)

	c, err := a.store.Conversations().Create(ctx, &model.Conversation{Title: "base"})
	require.NoError(t, err)
	a.sync(t)
	b.sync(t)

	ca := *c
	ca.Title = "edited on a"
	_, err = a.store.Conversations().Update(ctx, &ca)
	require.NoError(t, err)
	cb := *c
	cb.Title = "edited on b"
	_, err = b.store.Conversations().Update(ctx, &cb)
	require.NoError(t, err)

	// both wrote v2 over remote v1; a lands first
	require.NoError(t, a.rec.PushOnce(ctx))
	require.NoError(t, b.rec.PushOnce(ctx))
	require.Zero(t, b.pending(t))

	conflicts, err := b.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, string(Local), conflicts[0].Winner)
	assert.Equal(t, "version", conflicts[0].Policy)

	a.sync(t)
	b.sync(t)

	gotA, err := a.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	gotB, err := b.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gotB.Title, gotA.Title)
	assert.Equal(t, gotB.Version, gotA.Version)
	assert.Equal(t, "edited on b", gotA.Title)
	assert.Equal(t, int64(3), gotA.Version)

	row, ok := m.Get(model.EntityConversation, c.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), row.Version)
	assert.Equal(t, "dev-b", row.Origin)
}

func TestLosingPushTakesRemoteState(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)
	b := newDevice(t, "dev-b", m)

	c, err := b.store.Conversations().Create(ctx, &model.Conversation{Title: "base"})
	require.NoError(t, err)
	b.sync(t)
	a.sync(t)

	cb := *c
	cb.Title = "b wins the tie"
	_, err = b.store.Conversations().Update(ctx, &cb)
	require.NoError(t, err)
	ca := *c
	ca.Title = "a loses the tie"
	_, err = a.store.Conversations().Update(ctx, &ca)
	require.NoError(t, err)

	require.NoError(t, b.rec.PushOnce(ctx))
	require.NoError(t, a.rec.PushOnce(ctx))

	got, err := a.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "b wins the tie", got.Title)
	assert.Equal(t, int64(2), got.Version)
	require.Zero(t, a.pending(t))

	conflicts, err := a.store.Sync().Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, string(Remote), conflicts[0].Winner)
}

func TestTombstoneWins(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)
	b := newDevice(t, "dev-b", m)

	c, err := a.store.Conversations().Create(ctx, &model.Conversation{Title: "doomed"})
	require.NoError(t, err)
	_, err = a.store.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hi", DeviceID: a.id})
	require.NoError(t, err)
	a.sync(t)
	b.sync(t)

	// b edits while a deletes
	cur, err := b.store.Conversations().Get(ctx, c.ID)
	require.NoError(t, err)
	cur.Title = "still here?"
	_, err = b.store.Conversations().Update(ctx, cur)
	require.NoError(t, err)
	require.NoError(t, b.rec.PushOnce(ctx))

	require.NoError(t, a.store.Conversations().Delete(ctx, c.ID))
	require.NoError(t, a.rec.PushOnce(ctx))
	require.Zero(t, a.pending(t))

	row, ok := m.Get(model.EntityConversation, c.ID)
	require.True(t, ok)
	require.True(t, row.Deleted)

	b.sync(t)
	_, err = b.store.Conversations().Get(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = b.store.Messages().ListByConversation(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	gone, err := b.store.Sync().Tombstoned(ctx, model.EntityConversation, c.ID)
	require.NoError(t, err)
	require.True(t, gone)

	// a later remote write cannot resurrect it on a
	data, err := json.Marshal(cur)
	require.NoError(t, err)
	_, err = m.Push(ctx, remote.Record{Type: model.EntityConversation, ID: c.ID, Version: row.Version + 1, Origin: "dev-z", Data: data}, row.Version)
	require.NoError(t, err)
	require.NoError(t, a.rec.PullOnce(ctx, model.EntityConversation))
	_, err = a.store.Conversations().Get(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.NoError(t, a.rec.PushOnce(ctx))
	row, _ = m.Get(model.EntityConversation, c.ID)
	require.True(t, row.Deleted)
}

func TestStreamingRowsAreDeferred(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)

	c, err := a.store.Conversations().Create(ctx, &model.Conversation{Title: "live"})
	require.NoError(t, err)
	msg, err := a.store.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, IsStreaming: true, DeviceID: a.id})
	require.NoError(t, err)
	require.NoError(t, a.store.Messages().AppendContent(ctx, msg.ID, "partial"))
	require.NoError(t, a.store.Sync().Enqueue(ctx, model.EntityMessage, msg.ID, model.OpUpsert))

	require.NoError(t, a.rec.PushOnce(ctx))
	_, ok := m.Get(model.EntityMessage, msg.ID)
	require.False(t, ok, "streaming message must not be pushed")
	ops, err := a.store.Sync().Lease(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	var deferred *model.PendingOp
	for _, op := range ops {
		if op.EntityID == msg.ID {
			deferred = op
		}
	}
	require.NotNil(t, deferred)
	assert.Zero(t, deferred.Attempts)

	// a remote write to the same id waits too, and the cursor stays behind it
	remoteMsg := *msg
	remoteMsg.Content = "overwritten"
	remoteMsg.IsStreaming = false
	remoteMsg.Status = model.StatusComplete
	data, err := json.Marshal(remoteMsg)
	require.NoError(t, err)
	_, err = m.Push(ctx, remote.Record{Type: model.EntityMessage, ID: msg.ID, Version: 9, Origin: "dev-z", Data: data}, 0)
	require.NoError(t, err)

	require.NoError(t, a.rec.PullOnce(ctx, model.EntityMessage))
	got, err := a.store.Messages().Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsStreaming)
	assert.Equal(t, "partial", got.Content)
	cursor, err := a.store.Sync().Cursor(ctx, model.EntityMessage, m.Name())
	require.NoError(t, err)
	assert.Zero(t, cursor)

	// once finalized the local message wins and is written back
	_, err = a.store.Messages().Finalize(ctx, msg.ID, "partial answer", model.StatusComplete, 2)
	require.NoError(t, err)
	require.NoError(t, a.rec.PullOnce(ctx, model.EntityMessage))
	got, err = a.store.Messages().Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", got.Content)

	a.rec.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, a.rec.PushOnce(ctx))
	row, ok := m.Get(model.EntityMessage, msg.ID)
	require.True(t, ok)
	assert.Greater(t, row.Version, int64(9))
	assert.Equal(t, a.id, row.Origin)
	var pushed model.Message
	require.NoError(t, json.Unmarshal(row.Data, &pushed))
	assert.Equal(t, "partial answer", pushed.Content)
}

func TestOfflinePushRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	m := memmirror.New()
	a := newDevice(t, "dev-a", m)
	clock := time.Now().Add(time.Second)
	a.rec.now = func() time.Time { return clock }

	_, err := a.store.Personas().Create(ctx, &model.Persona{Name: "Tutor"})
	require.NoError(t, err)
	m.SetOffline(true)

	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, a.rec.PushOnce(ctx))
		st, err := a.store.Sync().Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, st.Pending)
		require.Zero(t, st.Failed)

		// not due again until its backoff elapsed
		ops, err := a.store.Sync().Lease(ctx, clock, 10)
		require.NoError(t, err)
		require.Empty(t, ops)
		clock = clock.Add(retryDelay(attempt) + time.Second)
	}

	require.NoError(t, a.rec.PushOnce(ctx))
	st, err := a.store.Sync().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Equal(t, 1, st.Failed)
	failed, err := a.store.Sync().FailedOps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "mirror offline")
	assert.Zero(t, m.Pushes())
}

func TestRunSyncsThroughRealtimeFeed(t *testing.T) {
	m := memmirror.New()
	a := newDevice(t, "dev-a", m, func(c *Config) { c.Realtime = true; c.PullInterval = time.Hour })
	b := newDevice(t, "dev-b", m, func(c *Config) { c.Realtime = true; c.PullInterval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- a.rec.Run(ctx) }()
	go func() { done <- b.rec.Run(ctx) }()

	c, err := a.store.Conversations().Create(context.Background(), &model.Conversation{Title: "pushed live"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := b.store.Conversations().Get(context.Background(), c.ID)
		return err == nil && got.Title == "pushed live"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("reconciler did not stop")
		}
	}
}
