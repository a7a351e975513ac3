package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/api/validate"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// ConversationService orchestrates conversation use cases.
type ConversationService struct {
	store  store.Store
	broker *broker.Broker
	log    zerolog.Logger
}

func NewConversationService(s store.Store, b *broker.Broker, log zerolog.Logger) *ConversationService {
	return &ConversationService{store: s, broker: b, log: log}
}

// ConversationPatch carries the fields a PATCH may change; nil leaves a field alone.
type ConversationPatch struct {
	Title            *string `json:"title,omitempty"`
	PersonaID        *string `json:"personaId,omitempty"`
	Pinned           *bool   `json:"pinned,omitempty"`
	Archived         *bool   `json:"archived,omitempty"`
	WebSearchEnabled *bool   `json:"webSearchEnabled,omitempty"`
}

func (s *ConversationService) List(ctx context.Context, f store.ConversationFilter) ([]*model.Conversation, error) {
	return s.store.Conversations().List(ctx, f)
}

func (s *ConversationService) Create(ctx context.Context, title string, personaID *string) (*model.Conversation, error) {
	if err := validate.ConversationTitle(&title); err != nil {
		return nil, err
	}
	if err := s.checkPersona(ctx, personaID); err != nil {
		return nil, err
	}
	if title == "" {
		title = "New conversation"
	}
	return s.store.Conversations().Create(ctx, &model.Conversation{Title: title, PersonaID: personaID})
}

func (s *ConversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.store.Conversations().Get(ctx, id)
}

func (s *ConversationService) Update(ctx context.Context, id string, p ConversationPatch) (*model.Conversation, error) {
	if err := validate.ConversationTitle(p.Title); err != nil {
		return nil, err
	}
	c, err := s.store.Conversations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.PersonaID != nil {
		if *p.PersonaID == "" {
			c.PersonaID = nil
		} else {
			if err := s.checkPersona(ctx, p.PersonaID); err != nil {
				return nil, err
			}
			c.PersonaID = p.PersonaID
		}
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
	if p.WebSearchEnabled != nil {
		c.WebSearchEnabled = *p.WebSearchEnabled
	}
	return s.store.Conversations().Update(ctx, c)
}

// Delete stops any in-flight generation and hard-deletes the conversation with
// its messages. Remote tombstones are queued by the store.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	if _, err := s.broker.CancelConversation(ctx, id); err != nil && !model.IsNotFound(err) {
		return err
	}
	return s.store.Conversations().Delete(ctx, id)
}

// Messages lists a conversation's messages oldest first. Archived
// conversations read as missing.
func (s *ConversationService) Messages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	if _, err := openConversation(ctx, s.store, conversationID); err != nil {
		return nil, err
	}
	return s.store.Messages().ListByConversation(ctx, conversationID)
}

func (s *ConversationService) checkPersona(ctx context.Context, id *string) error {
	if id == nil || *id == "" {
		return nil
	}
	_, err := s.store.Personas().Get(ctx, *id)
	if errors.Is(err, model.ErrNotFound) {
		return validationf("persona %s does not exist", *id)
	}
	return err
}
