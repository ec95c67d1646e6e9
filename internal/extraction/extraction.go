// Package extraction implements the async fact/trait/topic/person mining
// pipeline: a two-phase fast-scan/detail-update engine with
// confidence-tiered routing, a frequency controller that tapers extraction
// as a human's data saturates, deferred exposure analysis at session end,
// and persona trait three-tier behavior-change detection.
//
// All structured LLM responses flow through the Gateway's CallLLMForJSON.
// The fast-scan and detail-update calls also pass schemas derived from their
// Go response types (jsonschema.For); the behavior-change, description-regen
// and exposure calls decode into their Go types without schema validation.
package extraction

import (
	"context"
	"fmt"

	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
	"github.com/flare576/ei/internal/visibility"
)

// Target identifies whose conversation turn is being scanned.
type Target string

const (
	TargetHuman  Target = "human"
	TargetSystem Target = "system"
)

// Confidence mirrors the fast-scan prompt's three-level scale.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// DataType names which entity bucket a mention belongs to.
type DataType string

const (
	DataTypeFact   DataType = "fact"
	DataTypeTrait  DataType = "trait"
	DataTypeTopic  DataType = "topic"
	DataTypePerson DataType = "person"
)

// Engine is the extraction pipeline. It implements queue.Dispatcher so the
// worker can drive it directly.
type Engine struct {
	gw    *llmgateway.Gateway
	store *storage.Store
	q     *queue.Queue
	log   logging.Logger

	modelSpec func(persona string, op llmgateway.Operation) string

	// updateDescriptions writes a regenerated short/long description back to
	// the persona registry record. Left nil in tests that don't exercise
	// description_regen.
	updateDescriptions func(persona, short, long string) error

	// reg resolves the writing persona's group_primary for row tagging on
	// write. Left nil in tests that don't care about groups, in which case
	// new/updated rows stay untagged (global).
	reg *registry.Registry
}

// SetRegistry wires the persona registry used for group-scoped row tagging
// on write.
func (e *Engine) SetRegistry(reg *registry.Registry) {
	e.reg = reg
}

// knownPersonaNames lists every registered persona name and alias, the
// exclusion set for fast-scan's proposed new items. Empty when no registry
// is wired (tests).
func (e *Engine) knownPersonaNames() []string {
	if e.reg == nil {
		return nil
	}
	var out []string
	for _, p := range e.reg.All() {
		out = append(out, p.Name)
		out = append(out, p.Aliases...)
	}
	return out
}

// writerGroups computes the persona_groups a row written on behalf of
// persona should carry, unioning in that persona's group_primary. Returns
// existing unchanged if no registry is wired or the persona has no
// group_primary.
func (e *Engine) writerGroups(persona string, existing []string) []string {
	if e.reg == nil {
		return existing
	}
	p, ok := e.reg.Get(persona)
	if !ok {
		return existing
	}
	return visibility.TagRowGroups(existing, p)
}

// New constructs an Engine. modelSpec resolves the provider:model to use
// for a given persona+operation (cmd/ei passes a resolver with the same
// persona -> env var -> default fallback chain as the scheduler, so
// extraction honors per-persona model overrides).
func New(gw *llmgateway.Gateway, store *storage.Store, q *queue.Queue, log logging.Logger, modelSpec func(persona string, op llmgateway.Operation) string) *Engine {
	return &Engine{gw: gw, store: store, q: q, log: log, modelSpec: modelSpec}
}

// SetDescriptionUpdater registers the callback description_regen uses to
// write regenerated text back to the persona registry.
func (e *Engine) SetDescriptionUpdater(fn func(persona, short, long string) error) {
	e.updateDescriptions = fn
}

// Dispatch routes one dequeued queue.Item to its handler.
func (e *Engine) Dispatch(ctx context.Context, item queue.Item) error {
	switch item.Type {
	case queue.TypeFastScan:
		return e.dispatchFastScan(ctx, item)
	case queue.TypeDetailUpdate:
		return e.dispatchDetailUpdate(ctx, item)
	case queue.TypeDescriptionRegen:
		return e.dispatchDescriptionRegen(ctx, item)
	case queue.TypeExposureAnalysis:
		return e.dispatchExposureAnalysis(ctx, item)
	case queue.TypeEIValidation:
		// Never dispatched: Dequeue filters these out for the ceremony.
		return nil
	default:
		return fmt.Errorf("extraction: unknown item type %q", item.Type)
	}
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func payloadTimestamps(payload map[string]any, key string) []int64 {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		}
	}
	return out
}
