package extraction

import (
	"context"
	"strings"

	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
)

// mentionedItem is one row of the fast-scan prompt's "mentioned" array:
// an existing entity row the conversation touched on.
type mentionedItem struct {
	Name       string     `json:"name"`
	Type       DataType   `json:"type"`
	Confidence Confidence `json:"confidence,omitempty"`
}

// newItem is one row of the fast-scan prompt's "new_items" array: an
// entity the conversation surfaced that isn't tracked yet.
type newItem struct {
	Name       string     `json:"name"`
	Type       DataType   `json:"type"`
	Confidence Confidence `json:"confidence,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

type fastScanResult struct {
	Mentioned []mentionedItem `json:"mentioned,omitempty"`
	NewItems  []newItem       `json:"new_items,omitempty"`
}

var fastScanSchema = llmgateway.SchemaFor[fastScanResult]()

const fastScanSystemPrompt = `You scan a conversation excerpt for facts, traits, topics, and people worth remembering.
Return JSON: {"mentioned":[{"name","type","confidence"}], "new_items":[{"name","type","confidence","reason"}]}.
"type" is one of fact, trait, topic, person. "confidence" is one of high, medium, low.
Only report names actually present in the excerpt; do not invent people or topics.`

func (e *Engine) dispatchFastScan(ctx context.Context, item queue.Item) error {
	persona := payloadString(item.Payload, "persona")
	target := Target(payloadString(item.Payload, "target"))
	conversationText := payloadString(item.Payload, "conversationText")
	timestamps := payloadTimestamps(item.Payload, "timestamps")

	result, err := e.runFastScanLLM(ctx, persona, conversationText)
	if err != nil {
		return err
	}

	// Proposed new items that just name another persona (or one of its
	// aliases) are artifacts of cross-persona conversation, not entities to
	// track.
	result.NewItems = dropKnownPersonaNames(result.NewItems, e.knownPersonaNames())
	if target == TargetSystem {
		// Personas track only traits/topics, but traits are
		// never extracted from general conversation — only via the explicit
		// three-tier ApplyBehaviorRequest pipeline — so general fast-scan
		// traffic drops fact, person, AND trait here; only topic survives.
		result.Mentioned = dropTypes(result.Mentioned, DataTypeFact, DataTypePerson, DataTypeTrait)
		result.NewItems = dropNewItemTypes(result.NewItems, DataTypeFact, DataTypePerson, DataTypeTrait)
	}

	for _, m := range result.Mentioned {
		if m.Confidence == ConfidenceLow {
			if err := e.enqueueValidation(ctx, persona, target, m.Type, m.Name, "", timestamps); err != nil {
				return err
			}
			continue
		}
		if err := e.enqueueDetailUpdate(ctx, persona, target, m.Type, m.Name, "", timestamps); err != nil {
			return err
		}
	}
	for _, n := range result.NewItems {
		if n.Confidence == ConfidenceLow {
			if err := e.enqueueValidation(ctx, persona, target, n.Type, n.Name, n.Reason, timestamps); err != nil {
				return err
			}
			continue
		}
		if err := e.enqueueDetailUpdate(ctx, persona, target, n.Type, n.Name, n.Reason, timestamps); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runFastScanLLM(ctx context.Context, persona, conversationText string) (*fastScanResult, error) {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	var result fastScanResult
	ok, err := e.gw.CallLLMForJSON(ctx, fastScanSystemPrompt, conversationText, llmgateway.CallOptions{Operation: llmgateway.OperationConcept, Schema: fastScanSchema}, model, &result)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Unparseable twice: treat as an empty scan rather than a hard
		// failure, so the item still completes.
		return &fastScanResult{}, nil
	}
	return &result, nil
}

func dropKnownPersonaNames(items []newItem, known []string) []newItem {
	out := items[:0:0]
	for _, it := range items {
		isKnown := false
		for _, k := range known {
			if strings.EqualFold(strings.TrimSpace(it.Name), strings.TrimSpace(k)) {
				isKnown = true
				break
			}
		}
		if !isKnown {
			out = append(out, it)
		}
	}
	return out
}

func dropTypes(items []mentionedItem, types ...DataType) []mentionedItem {
	out := items[:0:0]
	for _, it := range items {
		drop := false
		for _, t := range types {
			if it.Type == t {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, it)
		}
	}
	return out
}

func dropNewItemTypes(items []newItem, types ...DataType) []newItem {
	out := items[:0:0]
	for _, it := range items {
		drop := false
		for _, t := range types {
			if it.Type == t {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, it)
		}
	}
	return out
}

func (e *Engine) enqueueDetailUpdate(ctx context.Context, persona string, target Target, dt DataType, name, reason string, timestamps []int64) error {
	_, err := e.q.Enqueue(ctx, queue.TypeDetailUpdate, queue.PriorityNormal, map[string]any{
		"persona":          persona,
		"target":           string(target),
		"dataType":         string(dt),
		"name":             name,
		"reason":           reason,
		"sourceTimestamps": timestamps,
	})
	return err
}

func (e *Engine) enqueueValidation(ctx context.Context, persona string, target Target, dt DataType, name, reason string, timestamps []int64) error {
	_, err := e.q.Enqueue(ctx, queue.TypeEIValidation, queue.PriorityLow, map[string]any{
		"persona":          persona,
		"target":           string(target),
		"dataType":         string(dt),
		"name":             name,
		"reason":           reason,
		"validationType":   "data_confirm",
		"sourceTimestamps": timestamps,
	})
	return err
}
