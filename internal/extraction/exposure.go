package extraction

import (
	"context"

	"github.com/flare576/ei/internal/decay"
	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
)

// exposureDeltas is the LLM's response shape for phase C: name -> signed
// adjustment to apply to level_current, for topics/people the session
// actually touched.
type exposureDeltas map[string]float64

const exposureSystemPrompt = `Given a finished conversation session and the user's current topics/people,
return a JSON object mapping each topic or person name the session engaged with to a
signed delta in [-1, 1] for how much more (positive) or less (negative) exposed that
subject was this session. Omit names the session did not touch.`

func (e *Engine) dispatchExposureAnalysis(ctx context.Context, item queue.Item) error {
	persona := payloadString(item.Payload, "persona")
	sessionText := payloadString(item.Payload, "sessionText")

	h, err := loadHuman(ctx, e.store)
	if err != nil {
		return err
	}
	p, err := loadPersonaEntity(ctx, e.store, persona)
	if err != nil {
		return err
	}

	deltas, err := e.runExposureLLM(ctx, persona, sessionText)
	if err != nil {
		return err
	}

	now := idgen.NowMs()
	applyTopicExposure(h.Topics, deltas, now)
	applyPersonExposure(h.People, deltas, now)
	applyTopicExposure(p.Topics, deltas, now)

	if err := saveHuman(ctx, e.store, h); err != nil {
		return err
	}
	return savePersonaEntity(ctx, e.store, persona, p)
}

func (e *Engine) runExposureLLM(ctx context.Context, persona, sessionText string) (exposureDeltas, error) {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	var deltas exposureDeltas
	ok, err := e.gw.CallLLMForJSON(ctx, exposureSystemPrompt, sessionText, llmgateway.CallOptions{Operation: llmgateway.OperationConcept}, model, &deltas)
	if err != nil {
		return nil, err
	}
	if !ok {
		return exposureDeltas{}, nil
	}
	return deltas, nil
}

// applyTopicExposure applies deltas (clamped) to matching rows, then
// decays every row the delta map did not mention.
func applyTopicExposure(rows []entity.Topic, deltas exposureDeltas, nowMs int64) {
	for i := range rows {
		row := &rows[i]
		if delta, ok := deltas[row.Name]; ok {
			row.LevelCurrent = entity.Clamp01(row.LevelCurrent + delta)
			row.LastUpdatedMs = nowMs
			continue
		}
		next, changed := decay.Step(row.LevelCurrent, row.LevelIdeal, hoursSince(row.LastUpdatedMs, nowMs))
		if changed {
			row.LevelCurrent = next
			row.LastUpdatedMs = nowMs
		}
	}
}

func applyPersonExposure(rows []entity.Person, deltas exposureDeltas, nowMs int64) {
	for i := range rows {
		row := &rows[i]
		if delta, ok := deltas[row.Name]; ok {
			row.LevelCurrent = entity.Clamp01(row.LevelCurrent + delta)
			row.LastUpdatedMs = nowMs
			continue
		}
		next, changed := decay.Step(row.LevelCurrent, row.LevelIdeal, hoursSince(row.LastUpdatedMs, nowMs))
		if changed {
			row.LevelCurrent = next
			row.LastUpdatedMs = nowMs
		}
	}
}

func hoursSince(lastMs, nowMs int64) float64 {
	return float64(nowMs-lastMs) / 3_600_000.0
}
