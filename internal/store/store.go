package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yourownai/relay/internal/model"
)

// Store exposes persistence operations required by services, the stream broker
// and the reconciler. Implementations live under internal/store/<driver>/.
//
// Every entity write is atomic, bumps the entity's logical version and, in the
// same transaction, enqueues a PendingOp for the reconciler. The Sync()
// repository is the only path that writes without enqueueing.
type Store interface {
	Conversations() Conversations
	Messages() Messages
	Memories() Memories
	Personas() Personas
	Sync() Sync

	Counts(ctx context.Context) (model.Counts, error)
	HealthPing(ctx context.Context) error
	Close() error
}

// ConversationFilter narrows List; nil fields match everything.
type ConversationFilter struct {
	Archived *bool
	Pinned   *bool
}

type Conversations interface {
	Create(ctx context.Context, c *model.Conversation) (*model.Conversation, error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	List(ctx context.Context, f ConversationFilter) ([]*model.Conversation, error)
	Update(ctx context.Context, c *model.Conversation) (*model.Conversation, error)
	// Delete removes the conversation and its messages and records remote tombstones.
	Delete(ctx context.Context, id string) error
}

type Messages interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)
	// AppendContent grows a streaming message without touching other rows
	// beyond the parent's UpdatedAt.
	AppendContent(ctx context.Context, id, delta string) error
	// Finalize freezes a streaming message with its final content and status.
	Finalize(ctx context.Context, id, content string, status model.MessageStatus, tokenCount int) (*model.Message, error)
	// FailStreaming marks every row left streaming by a previous process as failed.
	FailStreaming(ctx context.Context) (int, error)
}

// MemoryFilter narrows memory listings; nil fields match everything.
type MemoryFilter struct {
	PersonaID      *string
	ConversationID *string
}

type Memories interface {
	Create(ctx context.Context, m *model.MemoryEntry) (*model.MemoryEntry, error)
	Get(ctx context.Context, id string) (*model.MemoryEntry, error)
	List(ctx context.Context, f MemoryFilter) ([]*model.MemoryEntry, error)
	Delete(ctx context.Context, id string) error
}

type Personas interface {
	Create(ctx context.Context, p *model.Persona) (*model.Persona, error)
	Get(ctx context.Context, id string) (*model.Persona, error)
	List(ctx context.Context, includeArchived bool) ([]*model.Persona, error)
	Update(ctx context.Context, p *model.Persona) (*model.Persona, error)
	Delete(ctx context.Context, id string) error
}

// PendingStats summarizes the outbox for the sync status indicator.
type PendingStats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Sync is the reconciler's view of the store: the PendingOp outbox, pull
// cursors, last-known remote versions, tombstones, the conflict log, and
// writes that apply remote state without producing new PendingOps.
type Sync interface {
	// Lease returns up to limit ops whose next attempt is due.
	Lease(ctx context.Context, now time.Time, limit int) ([]*model.PendingOp, error)
	// Ack removes op; it returns false when a newer write superseded it.
	Ack(ctx context.Context, op *model.PendingOp) (bool, error)
	// Retry records a failed attempt and reschedules op.
	Retry(ctx context.Context, op *model.PendingOp, cause error, next time.Time) error
	// Defer reschedules op without counting an attempt.
	Defer(ctx context.Context, op *model.PendingOp, next time.Time) error
	// Fail marks op as a surfaced sync error; it is no longer leased.
	Fail(ctx context.Context, op *model.PendingOp, cause error) error
	Enqueue(ctx context.Context, t model.EntityType, id string, op model.OpKind) error
	HasPending(ctx context.Context, t model.EntityType, id string) (bool, error)
	Stats(ctx context.Context) (PendingStats, error)
	FailedOps(ctx context.Context, limit int) ([]*model.PendingOp, error)

	Cursor(ctx context.Context, t model.EntityType, source string) (int64, error)
	SetCursor(ctx context.Context, t model.EntityType, source string, v int64) error
	RemoteVersion(ctx context.Context, t model.EntityType, id string) (int64, error)
	SetRemoteVersion(ctx context.Context, t model.EntityType, id string, v int64) error

	// Snapshot returns the local entity in serialized form or ErrNotFound.
	Snapshot(ctx context.Context, t model.EntityType, id string) (*model.Snapshot, error)
	// ApplyRemote upserts a remote entity as-is, keeping its version, and
	// records origin as the writer of the local state.
	ApplyRemote(ctx context.Context, t model.EntityType, data json.RawMessage, origin string) error
	// ApplyRemoteDelete removes an entity deleted remotely and tombstones it.
	ApplyRemoteDelete(ctx context.Context, t model.EntityType, id string) error
	// SetVersion overwrites the local logical version of an entity.
	SetVersion(ctx context.Context, t model.EntityType, id string, v int64) error
	Tombstoned(ctx context.Context, t model.EntityType, id string) (bool, error)

	RecordConflict(ctx context.Context, c *model.SyncConflict) error
	Conflicts(ctx context.Context, limit int) ([]*model.SyncConflict, error)
}

// Notifier is called after a committed write enqueued a PendingOp.
type Notifier func(t model.EntityType, id string)
