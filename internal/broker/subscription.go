package broker

// Subscription is one listener's bounded view of a generation. Events arrive
// on C in publish order; the channel is closed after the terminal event.
type Subscription struct {
	MessageID string

	ch   chan Event
	slot *slot
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the listener. The generation keeps running. Pending events
// are discarded.
func (s *Subscription) Close() {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()
	if _, ok := s.slot.subs[s]; ok {
		delete(s.slot.subs, s)
		close(s.ch)
	}
}
