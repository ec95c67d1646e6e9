package ceremony

import (
	"context"
	"fmt"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/storage"
)

const entityCollection = "entities"

func personaDocID(persona string) string { return fmt.Sprintf("persona:%s", persona) }

// loadHuman mirrors internal/extraction's unexported helper of the same
// name; duplicated here rather than exported across packages since it's a
// two-line reader over a fixed doc id.
func loadHuman(ctx context.Context, store *storage.Store) (*entity.Human, error) {
	var h entity.Human
	found, err := store.Read(ctx, entityCollection, "human", &h)
	if err != nil {
		return nil, err
	}
	if !found {
		h = entity.Human{}
	}
	return &h, nil
}

func saveHuman(ctx context.Context, store *storage.Store, h *entity.Human) error {
	return store.Write(ctx, entityCollection, "human", h, idgen.NowMs())
}

func loadPersonaEntity(ctx context.Context, store *storage.Store, persona string) (*entity.Persona, error) {
	var p entity.Persona
	found, err := store.Read(ctx, entityCollection, personaDocID(persona), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		p = entity.Persona{}
	}
	return &p, nil
}

func savePersonaEntity(ctx context.Context, store *storage.Store, persona string, p *entity.Persona) error {
	return store.Write(ctx, entityCollection, personaDocID(persona), p, idgen.NowMs())
}
