package events

import "github.com/yourownai/relay/internal/model"

// EventKind names what woke the reconciler.
type EventKind string

const (
	// EventLocalWrite follows a committed local write that enqueued a PendingOp.
	EventLocalWrite EventKind = "local_write"
	// EventRemoteChange is raised by a mirror's realtime feed.
	EventRemoteChange EventKind = "remote_change"
	// EventSyncRequested asks for an immediate push and pull cycle.
	EventSyncRequested EventKind = "sync_requested"
)

// Event carries only ids; consumers read the current state from the store.
type Event struct {
	Kind       EventKind
	EntityType model.EntityType
	EntityID   string
}

// Bus is a lightweight in-process pub-sub backed by a buffered channel.
// Events are hints: a dropped event is recovered by the next periodic cycle.
type Bus struct {
	ch chan Event
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish attempts to enqueue the event without blocking.
// Returns true if published, false if the buffer is full.
func (b *Bus) Publish(evt Event) bool {
	if b == nil {
		return false
	}
	select {
	case b.ch <- evt:
		return true
	default:
		return false
	}
}

// Subscribe returns a read-only channel for the consumer. A nil bus yields a
// channel that never fires.
func (b *Bus) Subscribe() <-chan Event {
	if b == nil {
		return nil
	}
	return b.ch
}

// LocalWriteNotifier adapts the bus to the store's post-commit callback.
func (b *Bus) LocalWriteNotifier() func(t model.EntityType, id string) {
	return func(t model.EntityType, id string) {
		b.Publish(Event{Kind: EventLocalWrite, EntityType: t, EntityID: id})
	}
}
