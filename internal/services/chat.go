package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/api/validate"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// maxMemoryFacts bounds how many remembered facts go into a system prompt.
const maxMemoryFacts = 20

// SendRequest is one user turn.
type SendRequest struct {
	Content          string  `json:"content"`
	PersonaID        *string `json:"personaId,omitempty"`
	WebSearchEnabled *bool   `json:"webSearchEnabled,omitempty"`
	ImageRef         *string `json:"imageRef,omitempty"`
	FileRef          *string `json:"fileRef,omitempty"`
}

// ChatService runs the send-message lifecycle: persist the user turn, start a
// generation, and stream it through the broker.
type ChatService struct {
	store    store.Store
	broker   *broker.Broker
	gen      inference.Generator
	deviceID string
	log      zerolog.Logger
}

func NewChatService(s store.Store, b *broker.Broker, g inference.Generator, deviceID string, log zerolog.Logger) *ChatService {
	return &ChatService{
		store:    s,
		broker:   b,
		gen:      g,
		deviceID: deviceID,
		log:      log.With().Str("component", "chat").Logger(),
	}
}

// Send stores the user message, starts the assistant reply and returns a
// subscription to it. The generation belongs to the service, not to ctx:
// dropping the subscription does not stop it.
func (s *ChatService) Send(ctx context.Context, conversationID string, req SendRequest) (*broker.Subscription, error) {
	if err := validate.SendMessage(req.Content, req.ImageRef, req.FileRef); err != nil {
		return nil, err
	}
	conv, err := openConversation(ctx, s.store, conversationID)
	if err != nil {
		return nil, err
	}
	if conv, err = s.applySettings(ctx, conv, req); err != nil {
		return nil, err
	}

	history, err := s.store.Messages().ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	prompt, err := s.buildPrompt(ctx, conv, history, req)
	if err != nil {
		return nil, err
	}

	modelName := s.gen.Name()
	draft := broker.Draft{
		Inputs: []*model.Message{{
			Role:     model.RoleUser,
			Content:  req.Content,
			ImageRef: req.ImageRef,
			FileRef:  req.FileRef,
			DeviceID: s.deviceID,
		}},
		Message: model.Message{Model: &modelName, DeviceID: s.deviceID},
	}
	g, err := s.broker.Begin(ctx, conversationID, draft)
	if err != nil {
		return nil, err
	}
	// subscribe before the producer starts so the caller sees every delta
	sub, err := s.broker.Subscribe(conversationID)
	if err != nil {
		_, _ = s.broker.Cancel(ctx, g)
		return nil, err
	}
	go s.run(g, prompt)
	return sub, nil
}

// Join attaches another listener to the conversation's in-flight reply.
func (s *ChatService) Join(ctx context.Context, conversationID string) (*broker.Subscription, error) {
	if _, err := openConversation(ctx, s.store, conversationID); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(conversationID)
}

// Cancel stops the conversation's in-flight reply, keeping what was generated.
func (s *ChatService) Cancel(ctx context.Context, conversationID string) (*model.Message, error) {
	return s.broker.CancelConversation(ctx, conversationID)
}

// openConversation loads a conversation that can still take part in chat.
// Archived conversations read as missing.
func openConversation(ctx context.Context, st store.Store, id string) (*model.Conversation, error) {
	conv, err := st.Conversations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Archived {
		return nil, notFoundf("conversation %s is archived", id)
	}
	return conv, nil
}

// applySettings persists per-conversation choices sent along with a turn.
func (s *ChatService) applySettings(ctx context.Context, conv *model.Conversation, req SendRequest) (*model.Conversation, error) {
	changed := false
	if req.WebSearchEnabled != nil && *req.WebSearchEnabled != conv.WebSearchEnabled {
		conv.WebSearchEnabled = *req.WebSearchEnabled
		changed = true
	}
	if req.PersonaID != nil && (conv.PersonaID == nil || *conv.PersonaID != *req.PersonaID) {
		if _, err := s.store.Personas().Get(ctx, *req.PersonaID); err != nil {
			if model.IsNotFound(err) {
				return nil, validationf("persona %s does not exist", *req.PersonaID)
			}
			return nil, err
		}
		conv.PersonaID = req.PersonaID
		changed = true
	}
	if !changed {
		return conv, nil
	}
	return s.store.Conversations().Update(ctx, conv)
}

func (s *ChatService) buildPrompt(ctx context.Context, conv *model.Conversation, history []*model.Message, req SendRequest) (inference.Prompt, error) {
	p := inference.Prompt{
		Model:     s.gen.Name(),
		WebSearch: conv.WebSearchEnabled,
		ImageRef:  req.ImageRef,
		FileRef:   req.FileRef,
	}
	var system []string
	if conv.PersonaID != nil {
		persona, err := s.store.Personas().Get(ctx, *conv.PersonaID)
		switch {
		case err == nil:
			if persona.SystemPrompt != "" {
				system = append(system, persona.SystemPrompt)
			}
		case !model.IsNotFound(err):
			return p, err
		}
		facts, err := s.store.Memories().List(ctx, store.MemoryFilter{PersonaID: conv.PersonaID})
		if err != nil {
			return p, err
		}
		if len(facts) > maxMemoryFacts {
			facts = facts[:maxMemoryFacts]
		}
		if len(facts) > 0 {
			lines := make([]string, 0, len(facts)+1)
			lines = append(lines, "Known facts about the user:")
			for _, f := range facts {
				lines = append(lines, "- "+f.Fact)
			}
			system = append(system, strings.Join(lines, "\n"))
		}
	}
	p.System = strings.Join(system, "\n\n")

	for _, m := range history {
		if m.IsStreaming || m.Content == "" {
			continue
		}
		if m.Role == model.RoleAssistant && m.Status == model.StatusFailed {
			continue
		}
		p.History = append(p.History, inference.Turn{Role: m.Role, Content: m.Content})
	}
	p.History = append(p.History, inference.Turn{Role: model.RoleUser, Content: req.Content})
	return p, nil
}

// run is the single producer for g. It outlives the request that started it.
func (s *ChatService) run(g *broker.Generation, p inference.Prompt) {
	ctx := g.Context()
	log := s.log.With().Str("conversation_id", g.ConversationID).Str("message_id", g.MessageID()).Logger()

	deltas, err := s.gen.Generate(ctx, p)
	if err != nil {
		log.Warn().Err(err).Msg("generator refused prompt")
		s.finalize(ctx, g, err)
		return
	}
	for d := range deltas {
		if d.Err != nil {
			log.Warn().Err(d.Err).Msg("generation failed")
			s.finalize(ctx, g, d.Err)
			drain(deltas)
			return
		}
		if err := s.broker.Publish(ctx, g, d.Text); err != nil {
			// finished elsewhere (cancelled or store failure)
			drain(deltas)
			return
		}
	}
	var cause error
	if ctx.Err() != nil {
		cause = model.ErrCancelled
	}
	s.finalize(ctx, g, cause)
}

func (s *ChatService) finalize(ctx context.Context, g *broker.Generation, cause error) {
	if _, err := s.broker.Finalize(ctx, g, "", cause); err != nil && !errors.Is(err, broker.ErrFinished) {
		s.log.Error().Err(err).Str("message_id", g.MessageID()).Msg("finalize generation")
	}
}

func drain(ch <-chan inference.Delta) {
	go func() {
		for range ch {
		}
	}()
}
