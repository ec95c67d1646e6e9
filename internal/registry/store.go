package registry

import (
	"context"
	"fmt"
)

// documentStore is the narrow storage seam registry persistence depends on,
// satisfied structurally by *internal/storage.Store (same pattern as
// internal/history/store.go) to avoid an import cycle.
type documentStore interface {
	Read(ctx context.Context, collection, id string, dst any) (bool, error)
	Write(ctx context.Context, collection, id string, doc any, nowMs int64) error
}

const (
	collection = "registry"
	rosterID   = "roster"
)

// rosterDoc is the persisted {order} document; each persona's own record is
// stored under its own id so per-persona writes don't rewrite the whole
// roster.
type rosterDoc struct {
	Order []string `json:"order"`
}

func personaDocID(name string) string { return fmt.Sprintf("persona:%s", name) }

// Load reconstructs a Registry from storage, creating the locked primary
// persona if no roster document exists yet (fresh install).
func Load(ctx context.Context, store documentStore) (*Registry, error) {
	var roster rosterDoc
	found, err := store.Read(ctx, collection, rosterID, &roster)
	if err != nil {
		return nil, err
	}
	if !found {
		return New(), nil
	}

	r := &Registry{personas: make(map[string]*Persona)}
	for _, name := range roster.Order {
		var p Persona
		if ok, err := store.Read(ctx, collection, personaDocID(name), &p); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		cp := p
		r.personas[name] = &cp
		r.order = append(r.order, name)
	}
	if _, ok := r.personas[PrimaryPersonaName]; !ok {
		primary := NewPrimary()
		r.personas[PrimaryPersonaName] = &primary
		r.order = append([]string{PrimaryPersonaName}, r.order...)
	}
	return r, nil
}

// Save persists every persona record plus the roster order, nowMs stamping
// the write record (per internal/storage's write contract).
func Save(ctx context.Context, store documentStore, r *Registry, nowMs int64) error {
	for _, name := range r.order {
		p := r.personas[name]
		if err := store.Write(ctx, collection, personaDocID(name), p, nowMs); err != nil {
			return err
		}
	}
	return store.Write(ctx, collection, rosterID, rosterDoc{Order: r.order}, nowMs)
}
