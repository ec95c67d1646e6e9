package extraction

import (
	"context"
	"strings"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/llmgateway"
)

// Persona traits are never extracted from general conversation — only on
// explicit user requests to change behavior. ApplyBehaviorRequest
// runs the three-tier gate/extract/map pipeline on a single human message and,
// if it really is a behavior-change request, updates the persona's trait row.
func (e *Engine) ApplyBehaviorRequest(ctx context.Context, persona, humanMessage string) error {
	isRequest, err := e.gateBehaviorChange(ctx, persona, humanMessage)
	if err != nil {
		return err
	}
	if !isRequest {
		return nil
	}

	description, err := e.extractBehaviorChange(ctx, persona, humanMessage)
	if err != nil {
		return err
	}
	if strings.TrimSpace(description) == "" {
		return nil
	}

	return e.mapBehaviorToTrait(ctx, persona, description)
}

const gatePrompt = `Does this message explicitly ask the assistant to change how it behaves,
speaks, or responds going forward (a standing instruction), as opposed to describing a
character or making a one-off roleplay request? Answer JSON: {"isRequest": true|false}.`

func (e *Engine) gateBehaviorChange(ctx context.Context, persona, humanMessage string) (bool, error) {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	var out struct {
		IsRequest bool `json:"isRequest"`
	}
	ok, err := e.gw.CallLLMForJSON(ctx, gatePrompt, humanMessage, llmgateway.CallOptions{Operation: llmgateway.OperationConcept}, model, &out)
	if err != nil {
		return false, err
	}
	return ok && out.IsRequest, nil
}

const extractPrompt = `The user just requested a standing behavior change for the assistant.
Describe the specific behavior being requested in one sentence. Return JSON: {"behavior": "..."}.`

func (e *Engine) extractBehaviorChange(ctx context.Context, persona, humanMessage string) (string, error) {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	var out struct {
		Behavior string `json:"behavior"`
	}
	ok, err := e.gw.CallLLMForJSON(ctx, extractPrompt, humanMessage, llmgateway.CallOptions{Operation: llmgateway.OperationConcept}, model, &out)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return out.Behavior, nil
}

const mapTraitPrompt = `Map this behavior description onto a trait row for the assistant persona.
Return JSON: {"name": "short trait label", "description": "...", "strength": 0.0-1.0}.`

func (e *Engine) mapBehaviorToTrait(ctx context.Context, persona, description string) error {
	model := e.modelSpec(persona, llmgateway.OperationConcept)
	var out struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Strength    float64 `json:"strength"`
	}
	ok, err := e.gw.CallLLMForJSON(ctx, mapTraitPrompt, description, llmgateway.CallOptions{Operation: llmgateway.OperationConcept}, model, &out)
	if err != nil {
		return err
	}
	if !ok || strings.TrimSpace(out.Name) == "" {
		return nil
	}

	p, err := loadPersonaEntity(ctx, e.store, persona)
	if err != nil {
		return err
	}
	if idx := p.FindTrait(out.Name); idx >= 0 {
		p.Traits[idx].Description = out.Description
		p.Traits[idx].Strength = out.Strength
		p.Traits[idx].PersonaGroups = e.writerGroups(persona, p.Traits[idx].PersonaGroups)
		p.Traits[idx].Clamp()
	} else {
		t := entity.Trait{Name: out.Name, Description: out.Description, Strength: out.Strength, LearnedBy: "explicit_request", PersonaGroups: e.writerGroups(persona, nil)}
		t.Clamp()
		p.Traits = append(p.Traits, t)
	}
	return savePersonaEntity(ctx, e.store, persona, p)
}
