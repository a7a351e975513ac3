package broker

// EventKind discriminates subscriber events.
type EventKind int

const (
	// EventDelta carries text appended since the previous event. The first
	// event of a late subscriber holds everything accumulated so far.
	EventDelta EventKind = iota + 1
	// EventDone means the message was finalized successfully.
	EventDone
	// EventError ends the stream; Err says why.
	EventError
)

// Event is delivered to subscribers in publish order.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Terminal reports whether e is the last event of its stream.
func (e Event) Terminal() bool { return e.Kind == EventDone || e.Kind == EventError }
