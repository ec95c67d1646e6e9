package extraction

import (
	"context"

	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
)

const descriptionRegenSystemPrompt = `Regenerate this persona's self-description from its recent traits and topics.
Return JSON: {"short": "one sentence", "long": "one short paragraph"}.`

func (e *Engine) dispatchDescriptionRegen(ctx context.Context, item queue.Item) error {
	persona := payloadString(item.Payload, "persona")
	context_ := payloadString(item.Payload, "context")

	model := e.modelSpec(persona, llmgateway.OperationGeneration)
	var out struct {
		Short string `json:"short"`
		Long  string `json:"long"`
	}
	ok, err := e.gw.CallLLMForJSON(ctx, descriptionRegenSystemPrompt, context_, llmgateway.CallOptions{Operation: llmgateway.OperationGeneration}, model, &out)
	if err != nil {
		return err
	}
	if !ok || e.updateDescriptions == nil {
		return nil
	}
	return e.updateDescriptions(persona, out.Short, out.Long)
}
