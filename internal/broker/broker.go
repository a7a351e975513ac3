// Package broker owns in-flight assistant generations: at most one per
// conversation, fanned out to any number of subscribers with bounded buffers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/model"
)

// MessageWriter is the slice of the local store the broker persists through.
type MessageWriter interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	AppendContent(ctx context.Context, id, delta string) error
	Finalize(ctx context.Context, id, content string, status model.MessageStatus, tokenCount int) (*model.Message, error)
}

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// ErrFinished is returned when publishing to a generation that already ended.
var ErrFinished = errors.New("generation finished")

// Draft describes a generation to start. Inputs (typically the user message)
// are written only once the conversation's slot is reserved, so a rejected
// Begin leaves no trace in the store.
type Draft struct {
	Inputs  []*model.Message
	Message model.Message
}

// Broker is the lock-guarded table of active generations.
type Broker struct {
	store   MessageWriter
	log     zerolog.Logger
	bufSize int

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a broker. bufSize <= 0 selects DefaultBufferSize.
func New(store MessageWriter, log zerolog.Logger, bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broker{
		store:   store,
		log:     log.With().Str("component", "broker").Logger(),
		bufSize: bufSize,
		slots:   make(map[string]*slot),
	}
}

type slot struct {
	mu      sync.Mutex
	gen     *Generation
	content string
	subs    map[*Subscription]struct{}
	done    bool
}

// Generation is the handle returned by Begin.
type Generation struct {
	ConversationID string
	Inputs         []*model.Message
	message        *model.Message
	ctx            context.Context
	cancel         context.CancelFunc
	slot           *slot
}

// MessageID is the id of the streaming assistant message.
func (g *Generation) MessageID() string { return g.message.ID }

// Message returns the assistant row as created by Begin.
func (g *Generation) Message() model.Message { return *g.message }

// Context is cancelled when the generation is cancelled or finalized. The
// producer should stop when it is done.
func (g *Generation) Context() context.Context { return g.ctx }

// Begin reserves the conversation's slot, writes the draft's inputs and the
// empty streaming assistant message, and returns the generation handle.
func (b *Broker) Begin(ctx context.Context, conversationID string, d Draft) (*Generation, error) {
	s := &slot{subs: make(map[*Subscription]struct{})}

	b.mu.Lock()
	if _, busy := b.slots[conversationID]; busy {
		b.mu.Unlock()
		beginConflictsTotal.Inc()
		return nil, fmt.Errorf("conversation %s is already generating: %w", conversationID, model.ErrConflict)
	}
	b.slots[conversationID] = s
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		delete(b.slots, conversationID)
		b.mu.Unlock()
	}

	inputs := make([]*model.Message, 0, len(d.Inputs))
	for _, in := range d.Inputs {
		m := *in
		m.ConversationID = conversationID
		created, err := b.store.Create(ctx, &m)
		if err != nil {
			release()
			return nil, err
		}
		inputs = append(inputs, created)
	}

	msg := d.Message
	msg.ConversationID = conversationID
	msg.Role = model.RoleAssistant
	msg.Content = ""
	msg.IsStreaming = true
	msg.Status = model.StatusStreaming
	created, err := b.store.Create(ctx, &msg)
	if err != nil {
		release()
		return nil, err
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &Generation{
		ConversationID: conversationID,
		Inputs:         inputs,
		message:        created,
		ctx:            genCtx,
		cancel:         cancel,
		slot:           s,
	}
	s.mu.Lock()
	s.gen = g
	s.mu.Unlock()

	activeGenerations.Inc()
	b.log.Debug().Str("conversation_id", conversationID).Str("message_id", created.ID).Msg("generation started")
	return g, nil
}

// Publish persists delta, then appends it to the generation and forwards it
// to every subscriber. It must be called from a single producer goroutine. A
// store failure finalizes the generation as failed without the delta.
func (b *Broker) Publish(ctx context.Context, g *Generation, delta string) error {
	if delta == "" {
		return nil
	}
	s := g.slot
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return ErrFinished
	}

	if err := b.store.AppendContent(ctx, g.message.ID, delta); err != nil {
		b.log.Error().Err(err).Str("message_id", g.message.ID).Msg("append content failed")
		if _, ferr := b.Finalize(ctx, g, "", fmt.Errorf("persist content: %w", err)); ferr != nil && !errors.Is(ferr, ErrFinished) {
			b.log.Error().Err(ferr).Str("message_id", g.message.ID).Msg("finalize after append failure")
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// finalized while persisting; the final write already replaced the content
	if s.done {
		return ErrFinished
	}
	s.content += delta
	for sub := range s.subs {
		b.deliver(s, sub, Event{Kind: EventDelta, Text: delta})
	}
	return nil
}

// deliver enqueues without blocking. The last buffer slot is kept for the
// terminal event, so a subscriber that cannot take a delta is cut off with
// ErrOverflow. Callers hold s.mu.
func (b *Broker) deliver(s *slot, sub *Subscription, ev Event) {
	if len(sub.ch) >= b.bufSize {
		sub.ch <- Event{Kind: EventError, Err: model.ErrOverflow}
		close(sub.ch)
		delete(s.subs, sub)
		subscriberOverflowsTotal.Inc()
		b.log.Warn().Str("conversation_id", s.gen.ConversationID).Msg("subscriber overflow; disconnected")
		return
	}
	sub.ch <- ev
}

// Subscribe attaches a listener to the conversation's active generation. The
// first event carries the content accumulated so far, if any.
func (b *Broker) Subscribe(conversationID string) (*Subscription, error) {
	b.mu.Lock()
	s, ok := b.slots[conversationID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no active generation for conversation %s: %w", conversationID, model.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.gen == nil {
		return nil, fmt.Errorf("no active generation for conversation %s: %w", conversationID, model.ErrNotFound)
	}
	sub := &Subscription{
		ch:        make(chan Event, b.bufSize+1),
		slot:      s,
		MessageID: s.gen.message.ID,
	}
	if s.content != "" {
		sub.ch <- Event{Kind: EventDelta, Text: s.content}
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Finalize ends the generation. A nil cause stores content as the complete
// message. Otherwise the accumulated content is kept and the message is marked
// cancelled (for model.ErrCancelled) or failed. The message is persisted
// before subscribers hear about it and before the slot is released.
func (b *Broker) Finalize(ctx context.Context, g *Generation, content string, cause error) (*model.Message, error) {
	s := g.slot
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, ErrFinished
	}
	s.done = true
	accumulated := s.content
	s.mu.Unlock()

	status := model.StatusComplete
	final := content
	switch {
	case cause == nil:
		if final == "" {
			final = accumulated
		}
	case errors.Is(cause, model.ErrCancelled):
		status = model.StatusCancelled
		final = accumulated
	default:
		status = model.StatusFailed
		final = accumulated
	}

	persistCtx := context.WithoutCancel(ctx)
	msg, err := b.store.Finalize(persistCtx, g.message.ID, final, status, approxTokens(final))
	if err != nil {
		b.log.Error().Err(err).Str("message_id", g.message.ID).Msg("persist final message failed")
		if cause == nil {
			cause = fmt.Errorf("persist final message: %w", err)
		}
	}

	terminal := Event{Kind: EventDone}
	if cause != nil {
		terminal = Event{Kind: EventError, Err: cause}
	}
	s.mu.Lock()
	for sub := range s.subs {
		sub.ch <- terminal
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	b.mu.Lock()
	if b.slots[g.ConversationID] == s {
		delete(b.slots, g.ConversationID)
	}
	b.mu.Unlock()
	g.cancel()

	activeGenerations.Dec()
	generationsTotal.WithLabelValues(string(status)).Inc()
	b.log.Debug().Str("message_id", g.message.ID).Str("status", string(status)).Msg("generation finalized")
	return msg, err
}

// Cancel stops the generation and finalizes it as cancelled.
func (b *Broker) Cancel(ctx context.Context, g *Generation) (*model.Message, error) {
	g.cancel()
	return b.Finalize(ctx, g, "", model.ErrCancelled)
}

// CancelConversation cancels the active generation of a conversation.
func (b *Broker) CancelConversation(ctx context.Context, conversationID string) (*model.Message, error) {
	b.mu.Lock()
	s, ok := b.slots[conversationID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no active generation for conversation %s: %w", conversationID, model.ErrNotFound)
	}
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g == nil {
		return nil, fmt.Errorf("generation for conversation %s is still starting: %w", conversationID, model.ErrConflict)
	}
	msg, err := b.Cancel(ctx, g)
	if errors.Is(err, ErrFinished) {
		return nil, fmt.Errorf("no active generation for conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return msg, err
}

// Active returns the number of in-flight generations.
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// IsActive reports whether a conversation is generating.
func (b *Broker) IsActive(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.slots[conversationID]
	return ok
}

// Shutdown cancels every in-flight generation.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	gens := make([]*Generation, 0, len(b.slots))
	for _, s := range b.slots {
		s.mu.Lock()
		if s.gen != nil {
			gens = append(gens, s.gen)
		}
		s.mu.Unlock()
	}
	b.mu.Unlock()
	for _, g := range gens {
		if _, err := b.Cancel(ctx, g); err != nil && !errors.Is(err, ErrFinished) {
			b.log.Warn().Err(err).Str("message_id", g.MessageID()).Msg("cancel on shutdown")
		}
	}
}

// approxTokens estimates a token count for collaborators that report none.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}
