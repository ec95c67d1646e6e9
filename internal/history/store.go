package history

import (
	"context"
)

// storage.Store is referenced structurally (not by import) to avoid a
// dependency cycle — callers pass any type satisfying this narrow
// interface, which *storage.Store already does.
type documentStore interface {
	Read(ctx context.Context, collection, id string, dst any) (bool, error)
	Write(ctx context.Context, collection, id string, doc any, nowMs int64) error
}

const collection = "history"

// Load returns persona's history document, creating an empty one if none
// exists yet.
func Load(ctx context.Context, store documentStore, persona string) (*History, error) {
	var h History
	found, err := store.Read(ctx, collection, persona, &h)
	if err != nil {
		return nil, err
	}
	if !found {
		h = History{PersonaName: persona}
	}
	return &h, nil
}

// Save persists persona's history document. nowMs stamps the backup/write
// record, not any field on History itself.
func Save(ctx context.Context, store documentStore, persona string, h *History, nowMs int64) error {
	return store.Write(ctx, collection, persona, h, nowMs)
}

// MarkConceptProcessed flips ConceptProcessed=true on every message in h
// whose TimestampMs is in timestamps — the source-message bookkeeping step
// after a successful detail_update.
func MarkConceptProcessed(h *History, timestamps []int64) {
	want := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		want[ts] = struct{}{}
	}
	for i := range h.Messages {
		if _, ok := want[h.Messages[i].TimestampMs]; ok {
			h.Messages[i].ConceptProcessed = true
		}
	}
}
