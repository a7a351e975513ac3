package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// makeStore must return a clean, isolated store for every call.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("Conversations", func(t *testing.T) { conversationsCRUD(t, makeStore(t)) })
	t.Run("Messages", func(t *testing.T) { messagesLifecycle(t, makeStore(t)) })
	t.Run("MemoriesAndPersonas", func(t *testing.T) { memoriesAndPersonas(t, makeStore(t)) })
	t.Run("Outbox", func(t *testing.T) { outbox(t, makeStore(t)) })
	t.Run("ApplyRemote", func(t *testing.T) { applyRemote(t, makeStore(t)) })
	t.Run("Cursors", func(t *testing.T) { cursors(t, makeStore(t)) })
}

func conversationsCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()

	c, err := s.Conversations().Create(ctx, &model.Conversation{Title: "first"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if c.ID == "" || c.Version != 1 {
		t.Fatalf("CreateConversation: id=%q version=%d", c.ID, c.Version)
	}
	if got, err := s.Conversations().Get(ctx, c.ID); err != nil || got.Title != "first" {
		t.Fatalf("GetConversation: got=%v err=%v", got, err)
	}

	c.Title = "renamed"
	c.Pinned = true
	upd, err := s.Conversations().Update(ctx, c)
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if upd.Version != 2 || upd.Title != "renamed" || !upd.Pinned {
		t.Fatalf("UpdateConversation: got=%+v", upd)
	}

	other, err := s.Conversations().Create(ctx, &model.Conversation{Title: "second", Archived: true})
	if err != nil {
		t.Fatalf("CreateConversation second: %v", err)
	}
	archived := true
	lst, err := s.Conversations().List(ctx, store.ConversationFilter{Archived: &archived})
	if err != nil || len(lst) != 1 || lst[0].ID != other.ID {
		t.Fatalf("ListConversations archived: n=%d err=%v", len(lst), err)
	}
	all, err := s.Conversations().List(ctx, store.ConversationFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListConversations: n=%d err=%v", len(all), err)
	}
	if all[0].ID != c.ID {
		t.Fatalf("pinned conversation must list first")
	}

	if _, err := s.Conversations().Update(ctx, &model.Conversation{ID: "missing", Title: "x"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Update missing: want ErrNotFound, got %v", err)
	}

	m, err := s.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := s.Conversations().Delete(ctx, c.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.Conversations().Get(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get after delete: want ErrNotFound, got %v", err)
	}
	if _, err := s.Messages().Get(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("messages must be removed with their conversation, got %v", err)
	}
	for _, tt := range []struct {
		t  model.EntityType
		id string
	}{{model.EntityConversation, c.ID}, {model.EntityMessage, m.ID}} {
		if ok, err := s.Sync().Tombstoned(ctx, tt.t, tt.id); err != nil || !ok {
			t.Fatalf("Tombstoned(%s): ok=%v err=%v", tt.t, ok, err)
		}
	}
	if err := s.Conversations().Delete(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
}

func messagesLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.Messages().Create(ctx, &model.Message{ConversationID: "nope", Role: model.RoleUser}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("CreateMessage without conversation: want ErrNotFound, got %v", err)
	}

	c, err := s.Conversations().Create(ctx, &model.Conversation{Title: "chat"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	u, err := s.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "question"})
	if err != nil {
		t.Fatalf("CreateMessage user: %v", err)
	}
	if u.Status != model.StatusComplete || u.IsStreaming {
		t.Fatalf("user message: status=%s streaming=%v", u.Status, u.IsStreaming)
	}

	a, err := s.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, IsStreaming: true, DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("CreateMessage assistant: %v", err)
	}
	if _, err := s.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, IsStreaming: true}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("second streaming message: want ErrConflict, got %v", err)
	}

	for _, d := range []string{"Hel", "lo"} {
		if err := s.Messages().AppendContent(ctx, a.ID, d); err != nil {
			t.Fatalf("AppendContent: %v", err)
		}
	}
	if got, err := s.Messages().Get(ctx, a.ID); err != nil || got.Content != "Hello" || !got.IsStreaming {
		t.Fatalf("after append: got=%+v err=%v", got, err)
	}

	fin, err := s.Messages().Finalize(ctx, a.ID, "Hello", model.StatusComplete, 2)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fin.IsStreaming || fin.Status != model.StatusComplete || fin.TokenCount != 2 {
		t.Fatalf("Finalize: got=%+v", fin)
	}
	if err := s.Messages().AppendContent(ctx, a.ID, "!"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("append after finalize: want ErrConflict, got %v", err)
	}
	if _, err := s.Messages().Finalize(ctx, a.ID, "x", model.StatusFailed, 0); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("double finalize: want ErrConflict, got %v", err)
	}
	if err := s.Messages().AppendContent(ctx, "missing", "x"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("append missing: want ErrNotFound, got %v", err)
	}

	lst, err := s.Messages().ListByConversation(ctx, c.ID)
	if err != nil || len(lst) != 2 {
		t.Fatalf("ListByConversation: n=%d err=%v", len(lst), err)
	}
	if lst[0].ID != u.ID || lst[1].ID != a.ID {
		t.Fatalf("ListByConversation: wrong order")
	}
	if _, err := s.Messages().ListByConversation(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("list missing conversation: want ErrNotFound, got %v", err)
	}

	conv, err := s.Conversations().Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	// create, two message creates and one finalize
	if conv.Version != 4 {
		t.Fatalf("conversation version: want 4, got %d", conv.Version)
	}

	orphan, err := s.Messages().Create(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, IsStreaming: true})
	if err != nil {
		t.Fatalf("CreateMessage orphan: %v", err)
	}
	n, err := s.Messages().FailStreaming(ctx)
	if err != nil || n != 1 {
		t.Fatalf("FailStreaming: n=%d err=%v", n, err)
	}
	if got, _ := s.Messages().Get(ctx, orphan.ID); got == nil || got.IsStreaming || got.Status != model.StatusFailed {
		t.Fatalf("orphan not failed: %+v", got)
	}
}

func memoriesAndPersonas(t *testing.T, s store.Store) {
	ctx := context.Background()

	p, err := s.Personas().Create(ctx, &model.Persona{Name: "Tutor", SystemPrompt: "Be patient."})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	p.Archived = true
	if _, err := s.Personas().Update(ctx, p); err != nil {
		t.Fatalf("UpdatePersona: %v", err)
	}
	if lst, err := s.Personas().List(ctx, false); err != nil || len(lst) != 0 {
		t.Fatalf("ListPersonas active: n=%d err=%v", len(lst), err)
	}
	if lst, err := s.Personas().List(ctx, true); err != nil || len(lst) != 1 {
		t.Fatalf("ListPersonas all: n=%d err=%v", len(lst), err)
	}

	conv := "conv-1"
	m, err := s.Memories().Create(ctx, &model.MemoryEntry{Fact: "likes tea", ConversationID: &conv, PersonaID: &p.ID})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := s.Memories().Create(ctx, &model.MemoryEntry{Fact: "unscoped"}); err != nil {
		t.Fatalf("CreateMemory unscoped: %v", err)
	}
	if lst, err := s.Memories().List(ctx, store.MemoryFilter{PersonaID: &p.ID}); err != nil || len(lst) != 1 || lst[0].ID != m.ID {
		t.Fatalf("ListMemories by persona: n=%d err=%v", len(lst), err)
	}
	if lst, err := s.Memories().List(ctx, store.MemoryFilter{}); err != nil || len(lst) != 2 {
		t.Fatalf("ListMemories: n=%d err=%v", len(lst), err)
	}

	// memories are weak references: deleting the persona leaves them in place
	if err := s.Personas().Delete(ctx, p.ID); err != nil {
		t.Fatalf("DeletePersona: %v", err)
	}
	if _, err := s.Memories().Get(ctx, m.ID); err != nil {
		t.Fatalf("memory removed with persona: %v", err)
	}
	if err := s.Memories().Delete(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := s.Memories().Delete(ctx, m.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("DeleteMemory twice: want ErrNotFound, got %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil || counts.Memories != 1 || counts.Personas != 0 {
		t.Fatalf("Counts: %+v err=%v", counts, err)
	}
}

func outbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	far := time.Now().Add(time.Hour)

	c, err := s.Conversations().Create(ctx, &model.Conversation{Title: "t"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	ops, err := s.Sync().Lease(ctx, far, 10)
	if err != nil || len(ops) != 1 {
		t.Fatalf("Lease: n=%d err=%v", len(ops), err)
	}
	leased := ops[0]
	if leased.EntityType != model.EntityConversation || leased.EntityID != c.ID || leased.Op != model.OpUpsert {
		t.Fatalf("Lease: got=%+v", leased)
	}

	// A write while the op is in flight coalesces and bumps seq.
	c.Title = "t2"
	if _, err := s.Conversations().Update(ctx, c); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	acked, err := s.Sync().Ack(ctx, leased)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if acked {
		t.Fatalf("Ack of superseded op must not delete it")
	}
	ops, _ = s.Sync().Lease(ctx, far, 10)
	if len(ops) != 1 || ops[0].Seq != leased.Seq+1 {
		t.Fatalf("coalesced op: %+v", ops)
	}
	if acked, err := s.Sync().Ack(ctx, ops[0]); err != nil || !acked {
		t.Fatalf("Ack current: acked=%v err=%v", acked, err)
	}
	if pending, _ := s.Sync().HasPending(ctx, model.EntityConversation, c.ID); pending {
		t.Fatalf("HasPending after ack")
	}

	// Retry pushes the op out; Defer brings it back.
	if err := s.Sync().Enqueue(ctx, model.EntityConversation, c.ID, model.OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ops, _ = s.Sync().Lease(ctx, far, 10)
	if err := s.Sync().Retry(ctx, ops[0], errors.New("boom"), far.Add(time.Hour)); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if again, _ := s.Sync().Lease(ctx, far, 10); len(again) != 0 {
		t.Fatalf("retried op leased early")
	}
	if err := s.Sync().Defer(ctx, ops[0], time.Now()); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	again, _ := s.Sync().Lease(ctx, far, 10)
	if len(again) != 1 || again[0].Attempts != 1 || again[0].LastError != "boom" {
		t.Fatalf("after defer: %+v", again)
	}

	if err := s.Sync().Fail(ctx, again[0], errors.New("fatal")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	st, err := s.Sync().Stats(ctx)
	if err != nil || st.Pending != 0 || st.Failed != 1 {
		t.Fatalf("Stats: %+v err=%v", st, err)
	}
	if failed, err := s.Sync().FailedOps(ctx, 10); err != nil || len(failed) != 1 {
		t.Fatalf("FailedOps: n=%d err=%v", len(failed), err)
	}

	// A delete supersedes any pending upsert.
	p, _ := s.Personas().Create(ctx, &model.Persona{Name: "p"})
	if err := s.Personas().Delete(ctx, p.ID); err != nil {
		t.Fatalf("DeletePersona: %v", err)
	}
	ops, _ = s.Sync().Lease(ctx, far, 10)
	if len(ops) != 1 || ops[0].Op != model.OpDelete || ops[0].EntityID != p.ID {
		t.Fatalf("delete op: %+v", ops)
	}
}

func applyRemote(t *testing.T, s store.Store) {
	ctx := context.Background()
	far := time.Now().Add(time.Hour)

	remote := model.Conversation{ID: "remote-conv", Title: "from afar", CreatedAt: model.Now(), UpdatedAt: model.Now(), Version: 7}
	data, _ := json.Marshal(remote)
	if err := s.Sync().ApplyRemote(ctx, model.EntityConversation, data, "dev-a"); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	got, err := s.Conversations().Get(ctx, remote.ID)
	if err != nil || got.Version != 7 || got.Title != "from afar" {
		t.Fatalf("applied conversation: got=%+v err=%v", got, err)
	}
	if ops, _ := s.Sync().Lease(ctx, far, 10); len(ops) != 0 {
		t.Fatalf("ApplyRemote must not enqueue, got %d ops", len(ops))
	}

	snap, err := s.Sync().Snapshot(ctx, model.EntityConversation, remote.ID)
	if err != nil || snap.Version != 7 || snap.Origin != "dev-a" {
		t.Fatalf("Snapshot: %+v err=%v", snap, err)
	}
	// Applying the same record again is a no-op.
	if err := s.Sync().ApplyRemote(ctx, model.EntityConversation, data, "dev-a"); err != nil {
		t.Fatalf("ApplyRemote again: %v", err)
	}
	if ops, _ := s.Sync().Lease(ctx, far, 10); len(ops) != 0 {
		t.Fatalf("re-apply must not enqueue, got %d ops", len(ops))
	}
	if _, err := s.Sync().Snapshot(ctx, model.EntityMemory, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Snapshot missing: want ErrNotFound, got %v", err)
	}

	// A local streaming row is never overwritten by a pulled copy.
	streaming, err := s.Messages().Create(ctx, &model.Message{ConversationID: remote.ID, Role: model.RoleAssistant, IsStreaming: true})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := s.Messages().AppendContent(ctx, streaming.ID, "partial"); err != nil {
		t.Fatalf("AppendContent: %v", err)
	}
	clobber := model.Message{ID: streaming.ID, ConversationID: remote.ID, Role: model.RoleAssistant, Content: "other", Status: model.StatusComplete, Version: 99}
	data, _ = json.Marshal(clobber)
	if err := s.Sync().ApplyRemote(ctx, model.EntityMessage, data, "dev-a"); err != nil {
		t.Fatalf("ApplyRemote message: %v", err)
	}
	if m, _ := s.Messages().Get(ctx, streaming.ID); m == nil || m.Content != "partial" || !m.IsStreaming {
		t.Fatalf("streaming row clobbered: %+v", m)
	}

	if err := s.Sync().SetVersion(ctx, model.EntityConversation, remote.ID, 12); err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	if got, _ := s.Conversations().Get(ctx, remote.ID); got.Version != 12 {
		t.Fatalf("SetVersion: got %d", got.Version)
	}

	// A local edit makes this device the origin again.
	edited, _ := s.Conversations().Get(ctx, remote.ID)
	edited.Title = "mine now"
	if _, err := s.Conversations().Update(ctx, edited); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap, err := s.Sync().Snapshot(ctx, model.EntityConversation, remote.ID); err != nil || snap.Origin != "" {
		t.Fatalf("origin after local edit: %+v err=%v", snap, err)
	}

	if err := s.Sync().ApplyRemoteDelete(ctx, model.EntityConversation, remote.ID); err != nil {
		t.Fatalf("ApplyRemoteDelete: %v", err)
	}
	if _, err := s.Conversations().Get(ctx, remote.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("after remote delete: %v", err)
	}
	if ok, _ := s.Sync().Tombstoned(ctx, model.EntityConversation, remote.ID); !ok {
		t.Fatalf("remote delete must tombstone")
	}

	c := &model.SyncConflict{EntityType: model.EntityPersona, EntityID: "p", LocalVersion: 3, RemoteVersion: 3, Winner: "remote", Policy: "version"}
	if err := s.Sync().RecordConflict(ctx, c); err != nil || c.ID == 0 {
		t.Fatalf("RecordConflict: id=%d err=%v", c.ID, err)
	}
	if lst, err := s.Sync().Conflicts(ctx, 10); err != nil || len(lst) != 1 {
		t.Fatalf("Conflicts: n=%d err=%v", len(lst), err)
	}
}

func cursors(t *testing.T, s store.Store) {
	ctx := context.Background()
	if v, err := s.Sync().Cursor(ctx, model.EntityMessage, "rest"); err != nil || v != 0 {
		t.Fatalf("initial cursor: v=%d err=%v", v, err)
	}
	if err := s.Sync().SetCursor(ctx, model.EntityMessage, "rest", 10); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	// cursors never move backwards
	if err := s.Sync().SetCursor(ctx, model.EntityMessage, "rest", 4); err != nil {
		t.Fatalf("SetCursor lower: %v", err)
	}
	if v, _ := s.Sync().Cursor(ctx, model.EntityMessage, "rest"); v != 10 {
		t.Fatalf("cursor regressed to %d", v)
	}

	if err := s.Sync().SetRemoteVersion(ctx, model.EntityMemory, "m1", 5); err != nil {
		t.Fatalf("SetRemoteVersion: %v", err)
	}
	if v, _ := s.Sync().RemoteVersion(ctx, model.EntityMemory, "m1"); v != 5 {
		t.Fatalf("RemoteVersion: %d", v)
	}
}
