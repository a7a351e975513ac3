package services

import (
	"context"

	"github.com/yourownai/relay/internal/api/validate"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// MemoryService stores facts produced by the extraction collaborator.
type MemoryService struct {
	store store.Store
}

func NewMemoryService(s store.Store) *MemoryService { return &MemoryService{store: s} }

func (s *MemoryService) List(ctx context.Context, f store.MemoryFilter) ([]*model.MemoryEntry, error) {
	return s.store.Memories().List(ctx, f)
}

func (s *MemoryService) Create(ctx context.Context, m *model.MemoryEntry) (*model.MemoryEntry, error) {
	if err := validate.CreateMemory(m.Fact); err != nil {
		return nil, err
	}
	return s.store.Memories().Create(ctx, m)
}

func (s *MemoryService) Delete(ctx context.Context, id string) error {
	return s.store.Memories().Delete(ctx, id)
}

// PersonaService manages reusable system prompts.
type PersonaService struct {
	store store.Store
}

func NewPersonaService(s store.Store) *PersonaService { return &PersonaService{store: s} }

func (s *PersonaService) List(ctx context.Context, includeArchived bool) ([]*model.Persona, error) {
	return s.store.Personas().List(ctx, includeArchived)
}

func (s *PersonaService) Create(ctx context.Context, p *model.Persona) (*model.Persona, error) {
	if err := validate.CreatePersona(p.Name, p.Description, p.SystemPrompt); err != nil {
		return nil, err
	}
	return s.store.Personas().Create(ctx, p)
}

func (s *PersonaService) Delete(ctx context.Context, id string) error {
	return s.store.Personas().Delete(ctx, id)
}
