package extraction

import (
	"context"
	"fmt"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
)

// detailResult is the focused-prompt response shape for phase B. Not every
// field applies to every data type; unused fields are left zero.
type detailResult struct {
	Description  string  `json:"description,omitempty"`
	Sentiment    float64 `json:"sentiment,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`   // fact
	Strength     float64 `json:"strength,omitempty"`     // trait
	LevelIdeal   float64 `json:"level_ideal,omitempty"`  // topic/person
	Relationship string  `json:"relationship,omitempty"` // person
}

var detailSchema = llmgateway.SchemaFor[detailResult]()

const detailUpdateSystemPromptTmpl = `You update a single %s row named %q in a user's memory.
Existing description (if any): %q
Context: %s
Return JSON with the updated fields for this row type.`

func (e *Engine) dispatchDetailUpdate(ctx context.Context, item queue.Item) (err error) {
	persona := payloadString(item.Payload, "persona")
	target := Target(payloadString(item.Payload, "target"))
	dt := DataType(payloadString(item.Payload, "dataType"))
	name := payloadString(item.Payload, "name")
	reason := payloadString(item.Payload, "reason")
	timestamps := payloadTimestamps(item.Payload, "sourceTimestamps")

	sc := scopeHuman
	if target == TargetSystem {
		sc = scopePersona
	}

	// Facts and traits are gated by the frequency controller; topics and
	// people always attempt.
	if dt == DataTypeFact || dt == DataTypeTrait {
		st, loadErr := loadState(ctx, e.store, sc, persona, dt)
		if loadErr != nil {
			return loadErr
		}
		recordTurn(st)
		if !shouldRunFactsOrTraits(st) {
			if err := saveState(ctx, e.store, sc, persona, dt, st); err != nil {
				return err
			}
			return nil
		}
		defer func() {
			if err == nil {
				recordSuccess(st)
			}
			_ = saveState(ctx, e.store, sc, persona, dt, st)
		}()
	}

	result, err := e.runDetailLLM(ctx, persona, dt, name, reason)
	if err != nil {
		return err
	}

	switch sc {
	case scopeHuman:
		if err := e.applyHumanDetail(ctx, persona, dt, name, result); err != nil {
			return err
		}
	case scopePersona:
		if err := e.applyPersonaDetail(ctx, persona, dt, name, result); err != nil {
			return err
		}
	}

	h, err := history.Load(ctx, e.store, persona)
	if err != nil {
		return err
	}
	history.MarkConceptProcessed(h, timestamps)
	return history.Save(ctx, e.store, persona, h, idgen.NowMs())
}

func (e *Engine) runDetailLLM(ctx context.Context, persona string, dt DataType, name, reason string) (*detailResult, error) {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	system := fmt.Sprintf(detailUpdateSystemPromptTmpl, dt, name, "", reason)
	var result detailResult
	ok, err := e.gw.CallLLMForJSON(ctx, system, reason, llmgateway.CallOptions{Operation: llmgateway.OperationConcept, Schema: detailSchema}, model, &result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &detailResult{Description: reason}, nil
	}
	return &result, nil
}

func (e *Engine) applyHumanDetail(ctx context.Context, persona string, dt DataType, name string, r *detailResult) error {
	h, err := loadHuman(ctx, e.store)
	if err != nil {
		return err
	}
	switch dt {
	case DataTypeFact:
		if idx := h.FindFact(name); idx >= 0 {
			mergeFact(&h.Facts[idx], r)
			h.Facts[idx].PersonaGroups = e.writerGroups(persona, h.Facts[idx].PersonaGroups)
		} else {
			h.Facts = append(h.Facts, entity.Fact{Name: name, Description: r.Description, Sentiment: r.Sentiment, Confidence: r.Confidence, LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		h.Facts[h.FindFact(name)].Clamp()
	case DataTypeTrait:
		if idx := h.FindTrait(name); idx >= 0 {
			mergeTrait(&h.Traits[idx], r)
			h.Traits[idx].PersonaGroups = e.writerGroups(persona, h.Traits[idx].PersonaGroups)
		} else {
			h.Traits = append(h.Traits, entity.Trait{Name: name, Description: r.Description, Sentiment: r.Sentiment, Strength: r.Strength, LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		h.Traits[h.FindTrait(name)].Clamp()
	case DataTypeTopic:
		if idx := h.FindTopic(name); idx >= 0 {
			mergeTopic(&h.Topics[idx], r)
			h.Topics[idx].PersonaGroups = e.writerGroups(persona, h.Topics[idx].PersonaGroups)
		} else {
			h.Topics = append(h.Topics, entity.Topic{Name: name, Description: r.Description, Sentiment: r.Sentiment, LevelCurrent: r.LevelIdeal, LevelIdeal: r.LevelIdeal, LastUpdatedMs: idgen.NowMs(), LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		h.Topics[h.FindTopic(name)].Clamp()
	case DataTypePerson:
		if idx := h.FindPerson(name); idx >= 0 {
			mergePerson(&h.People[idx], r)
			h.People[idx].PersonaGroups = e.writerGroups(persona, h.People[idx].PersonaGroups)
		} else {
			h.People = append(h.People, entity.Person{Name: name, Relationship: r.Relationship, Description: r.Description, Sentiment: r.Sentiment, LevelCurrent: r.LevelIdeal, LevelIdeal: r.LevelIdeal, LastUpdatedMs: idgen.NowMs(), LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		h.People[h.FindPerson(name)].Clamp()
	}
	return saveHuman(ctx, e.store, h)
}

func (e *Engine) applyPersonaDetail(ctx context.Context, persona string, dt DataType, name string, r *detailResult) error {
	p, err := loadPersonaEntity(ctx, e.store, persona)
	if err != nil {
		return err
	}
	switch dt {
	case DataTypeTrait:
		if idx := p.FindTrait(name); idx >= 0 {
			mergeTrait(&p.Traits[idx], r)
			p.Traits[idx].PersonaGroups = e.writerGroups(persona, p.Traits[idx].PersonaGroups)
		} else {
			p.Traits = append(p.Traits, entity.Trait{Name: name, Description: r.Description, Sentiment: r.Sentiment, Strength: r.Strength, LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		p.Traits[p.FindTrait(name)].Clamp()
	case DataTypeTopic:
		if idx := p.FindTopic(name); idx >= 0 {
			mergeTopic(&p.Topics[idx], r)
			p.Topics[idx].PersonaGroups = e.writerGroups(persona, p.Topics[idx].PersonaGroups)
		} else {
			p.Topics = append(p.Topics, entity.Topic{Name: name, Description: r.Description, Sentiment: r.Sentiment, LevelCurrent: r.LevelIdeal, LevelIdeal: r.LevelIdeal, LastUpdatedMs: idgen.NowMs(), LearnedBy: persona, PersonaGroups: e.writerGroups(persona, nil)})
		}
		p.Topics[p.FindTopic(name)].Clamp()
	}
	return savePersonaEntity(ctx, e.store, persona, p)
}

// mergeFact updates an existing row without overwriting learned_by or
// demoting confidence below its prior value.
func mergeFact(f *entity.Fact, r *detailResult) {
	f.Description = r.Description
	f.Sentiment = r.Sentiment
	if r.Confidence > f.Confidence {
		f.Confidence = r.Confidence
	}
}

func mergeTrait(t *entity.Trait, r *detailResult) {
	t.Description = r.Description
	t.Sentiment = r.Sentiment
	t.Strength = r.Strength
}

func mergeTopic(t *entity.Topic, r *detailResult) {
	t.Description = r.Description
	t.Sentiment = r.Sentiment
	t.LevelIdeal = r.LevelIdeal
}

func mergePerson(p *entity.Person, r *detailResult) {
	p.Description = r.Description
	p.Sentiment = r.Sentiment
	p.LevelIdeal = r.LevelIdeal
	if r.Relationship != "" {
		p.Relationship = r.Relationship
	}
}
