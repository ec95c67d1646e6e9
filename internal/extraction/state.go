package extraction

import (
	"context"
	"fmt"

	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/storage"
)

// scope identifies which entity document a data type is extracted onto:
// facts/people/sentiment-bearing human rows live on "human", persona
// traits/topics live on the persona's own entity document.
type scope string

const (
	scopeHuman   scope = "human"
	scopePersona scope = "persona"
)

// extractionState is the per (entity, persona, data_type) counter whose
// messages-since-last-extract field gates how aggressively facts and
// traits are mined as a human's data saturates.
type extractionState struct {
	LastExtractionMs     *int64 `json:"lastExtractionMs,omitempty"`
	MessagesSinceExtract int    `json:"messagesSinceExtract"`
	TotalExtractions     int    `json:"totalExtractions"`
}

const stateCollection = "extraction_state"

func stateDocID(sc scope, persona string, dt DataType) string {
	return fmt.Sprintf("%s|%s|%s", sc, persona, dt)
}

func loadState(ctx context.Context, store *storage.Store, sc scope, persona string, dt DataType) (*extractionState, error) {
	var st extractionState
	found, err := store.Read(ctx, stateCollection, stateDocID(sc, persona, dt), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		st = extractionState{}
	}
	return &st, nil
}

func saveState(ctx context.Context, store *storage.Store, sc scope, persona string, dt DataType, st *extractionState) error {
	return store.Write(ctx, stateCollection, stateDocID(sc, persona, dt), st, idgen.NowMs())
}

// shouldRunFactsOrTraits implements the frequency controller for the
// human-only fact/trait buckets: "messages_since_last_extract ≥
// max(10, total_extractions)" — sparse data extracts aggressively,
// saturated data tapers off. Topics and people always attempt on trigger
// and never consult this gate.
func shouldRunFactsOrTraits(st *extractionState) bool {
	threshold := st.TotalExtractions
	if threshold < 10 {
		threshold = 10
	}
	return st.MessagesSinceExtract >= threshold
}

// recordTurn increments the messages-since-extract counter. It is called once
// per fact/trait detail_update item, whether or not the gate then lets
// extraction run; conversation turns that produce no such item are not
// counted.
func recordTurn(st *extractionState) {
	st.MessagesSinceExtract++
}

// recordSuccess resets the counter and bumps the total on a successful
// detail_update.
func recordSuccess(st *extractionState) {
	now := idgen.NowMs()
	st.LastExtractionMs = &now
	st.MessagesSinceExtract = 0
	st.TotalExtractions++
}
