package model

import (
	"encoding/json"
	"time"
)

// Role is the author of a message. The set is closed.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageStatus records how a message reached its final state.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

// EntityType names a synchronized table.
type EntityType string

const (
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
	EntityMemory       EntityType = "memory"
	EntityPersona      EntityType = "persona"
)

// EntityTypes lists every synchronized type in pull order. Parents come first so
// children pulled in the same cycle find their conversation.
var EntityTypes = []EntityType{EntityPersona, EntityConversation, EntityMessage, EntityMemory}

// Conversation is a chat thread.
type Conversation struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	PersonaID        *string   `json:"personaId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Archived         bool      `json:"archived"`
	Pinned           bool      `json:"pinned"`
	WebSearchEnabled bool      `json:"webSearchEnabled"`
	Version          int64     `json:"version"`
}

// Message belongs to a conversation. Content is mutable only while IsStreaming is true.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	TokenCount     int           `json:"tokenCount"`
	Model          *string       `json:"model,omitempty"`
	ImageRef       *string       `json:"imageRef,omitempty"`
	FileRef        *string       `json:"fileRef,omitempty"`
	IsStreaming    bool          `json:"isStreaming"`
	Status         MessageStatus `json:"status"`
	DeviceID       string        `json:"deviceId"`
	Version        int64         `json:"version"`
}

// MemoryEntry is an extracted fact. Conversation and message references are
// lookups only; deleting the referent leaves the memory in place.
type MemoryEntry struct {
	ID             string    `json:"id"`
	ConversationID *string   `json:"conversationId,omitempty"`
	MessageID      *string   `json:"messageId,omitempty"`
	Fact           string    `json:"fact"`
	CreatedAt      time.Time `json:"createdAt"`
	PersonaID      *string   `json:"personaId,omitempty"`
	Version        int64     `json:"version"`
}

// Persona is a reusable system prompt.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	SystemPrompt string    `json:"systemPrompt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Archived     bool      `json:"archived"`
	Version      int64     `json:"version"`
}

// OpKind is the type of an outstanding local mutation.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// PendingOp is a local write not yet acknowledged by the remote mirror.
// Seq changes every time a newer write coalesces into the same row.
type PendingOp struct {
	ID            int64      `json:"id"`
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Op            OpKind     `json:"op"`
	Seq           int64      `json:"seq"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	Failed        bool       `json:"failed"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// SyncConflict is a reconciliation decision kept for visibility.
type SyncConflict struct {
	ID            int64      `json:"id"`
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
	LocalVersion  int64      `json:"localVersion"`
	RemoteVersion int64      `json:"remoteVersion"`
	Winner        string     `json:"winner"`
	Policy        string     `json:"policy"`
	DetectedAt    time.Time  `json:"detectedAt"`
}

// Counts aggregates row counts for the status endpoint.
type Counts struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Memories      int `json:"memories"`
	Personas      int `json:"personas"`
}

// Snapshot is a type-erased local entity used by the reconciler.
type Snapshot struct {
	Type      EntityType
	ID        string
	Version   int64
	Data      json.RawMessage
	Streaming bool
	DeviceID  string
	// Origin is the device whose write produced the local state; empty when
	// this device wrote it.
	Origin string
}

// Now returns the current UTC time at millisecond precision, which is what the
// store persists. Using it everywhere keeps serialized entities byte-stable.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
