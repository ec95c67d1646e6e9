package extraction

import (
	"context"
	"fmt"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/storage"
)

const entityCollection = "entities"

func humanDocID() string { return "human" }

func personaDocID(persona string) string { return fmt.Sprintf("persona:%s", persona) }

// loadHuman returns the single Human entity document, creating an empty one
// if none exists yet.
func loadHuman(ctx context.Context, store *storage.Store) (*entity.Human, error) {
	var h entity.Human
	found, err := store.Read(ctx, entityCollection, humanDocID(), &h)
	if err != nil {
		return nil, err
	}
	if !found {
		h = entity.Human{}
	}
	return &h, nil
}

func saveHuman(ctx context.Context, store *storage.Store, h *entity.Human) error {
	return store.Write(ctx, entityCollection, humanDocID(), h, idgen.NowMs())
}

// loadPersonaEntity returns a persona's traits/topics document.
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
