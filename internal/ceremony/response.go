package ceremony

import (
	"context"
	"fmt"
	"strings"

	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/visibility"
)

// correction is one entry of the response's "corrected" array.
type correction struct {
	Name       string `json:"name"`
	Correction string `json:"correction"`
}

// roleplayEntry is one entry of the response's "roleplay" array.
type roleplayEntry struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// verdict is the LLM's structured parse of the user's free-form reply.
type verdict struct {
	Confirmed []string        `json:"confirmed,omitempty"`
	Corrected []correction    `json:"corrected,omitempty"`
	Rejected  []string        `json:"rejected,omitempty"`
	Roleplay  []roleplayEntry `json:"roleplay,omitempty"`
	Unclear   []string        `json:"unclear,omitempty"`
}

var verdictSchema = llmgateway.SchemaFor[verdict]()

const responseSystemPromptTmpl = `You are parsing a human's free-form reply to a verification check-in about these items:
%s
Return JSON: {"confirmed":[names], "corrected":[{"name","correction"}], "rejected":[names], "roleplay":[{"name","group"}], "unclear":[names]}.
Every item name from the list above must appear in exactly one of the five arrays.`

// ApplyReply classifies the user's free-form reply against the pending
// batch and applies each outcome.
func (c *Ceremony) ApplyReply(ctx context.Context, reg *registry.Registry, persona, reply string) error {
	st, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	if len(st.PendingBatch) == 0 {
		return nil
	}

	v, err := c.parseReply(ctx, persona, reply, st.PendingBatch)
	if err != nil {
		return err
	}

	byName := make(map[string]BatchItem, len(st.PendingBatch))
	for _, it := range st.PendingBatch {
		byName[strings.ToLower(it.Name)] = it
	}

	var clearedQueueIDs []string
	var stillUnclear []BatchItem

	for _, name := range v.Confirmed {
		if it, ok := byName[strings.ToLower(name)]; ok {
			if err := c.confirm(ctx, it); err != nil {
				return err
			}
			if it.FromQueue {
				clearedQueueIDs = append(clearedQueueIDs, it.QueueItemID)
			}
		}
	}
	for _, corr := range v.Corrected {
		if it, ok := byName[strings.ToLower(corr.Name)]; ok {
			if err := c.correct(ctx, it, corr.Correction); err != nil {
				return err
			}
			if it.FromQueue {
				clearedQueueIDs = append(clearedQueueIDs, it.QueueItemID)
			}
		}
	}
	for _, name := range v.Rejected {
		if it, ok := byName[strings.ToLower(name)]; ok {
			if err := c.reject(ctx, it); err != nil {
				return err
			}
			if it.FromQueue {
				clearedQueueIDs = append(clearedQueueIDs, it.QueueItemID)
			}
		}
	}
	for _, rp := range v.Roleplay {
		if it, ok := byName[strings.ToLower(rp.Name)]; ok {
			if err := c.roleplay(ctx, it, rp.Group); err != nil {
				return err
			}
			if it.FromQueue {
				clearedQueueIDs = append(clearedQueueIDs, it.QueueItemID)
			}
		}
	}
	for _, name := range v.Unclear {
		if it, ok := byName[strings.ToLower(name)]; ok {
			stillUnclear = append(stillUnclear, it)
		}
	}

	if len(clearedQueueIDs) > 0 {
		if err := c.q.ClearValidations(ctx, clearedQueueIDs); err != nil {
			return err
		}
	}

	st.PendingBatch = stillUnclear
	st.SuppressHeartbeatUntilReply = false
	return c.saveState(ctx, st)
}

func (c *Ceremony) parseReply(ctx context.Context, persona, reply string, batch []BatchItem) (*verdict, error) {
	var listing strings.Builder
	for _, it := range batch {
		listing.WriteString(fmt.Sprintf("- %s (%s)\n", it.Name, it.DataType))
	}
	system := fmt.Sprintf(responseSystemPromptTmpl, listing.String())
	model := c.modelSpec(persona, llmgateway.OperationConcept)

	var v verdict
	ok, err := c.gw.CallLLMForJSON(ctx, system, reply, llmgateway.CallOptions{Operation: llmgateway.OperationConcept, Schema: verdictSchema}, model, &v)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Unparseable twice: treat every item as unclear rather than losing
		// the batch.
		for _, it := range batch {
			v.Unclear = append(v.Unclear, it.Name)
		}
	}
	return &v, nil
}

func (c *Ceremony) correct(ctx context.Context, it BatchItem, correctionText string) error {
	_, err := c.q.Enqueue(ctx, queue.TypeDetailUpdate, queue.PriorityHigh, map[string]any{
		"persona":  it.Persona,
		"target":   it.Target,
		"dataType": it.DataType,
		"name":     it.Name,
		"reason":   "ceremony correction: " + correctionText,
	})
	return err
}

// confirm applies a "confirmed" verdict. Facts are the only
// bucket with a confidence/last_confirmed pair, so they get that treatment
// literally; traits have their strength set to 1.0, and topics/people close
// their level_current/level_ideal gap — the same "no residual divergence"
// meaning applied to the fields each row actually carries.
func (c *Ceremony) confirm(ctx context.Context, it BatchItem) error {
	now := idgen.NowMs()
	if it.Target == "system" {
		p, err := loadPersonaEntity(ctx, c.store, it.Persona)
		if err != nil {
			return err
		}
		switch it.DataType {
		case "trait":
			if idx := p.FindTrait(it.Name); idx >= 0 {
				p.Traits[idx].Strength = 1.0
				p.Traits[idx].Clamp()
			}
		case "topic":
			if idx := p.FindTopic(it.Name); idx >= 0 {
				p.Topics[idx].LevelCurrent = p.Topics[idx].LevelIdeal
				p.Topics[idx].LastUpdatedMs = now
				p.Topics[idx].Clamp()
			}
		}
		return savePersonaEntity(ctx, c.store, it.Persona, p)
	}

	h, err := loadHuman(ctx, c.store)
	if err != nil {
		return err
	}
	switch it.DataType {
	case "fact":
		if idx := h.FindFact(it.Name); idx >= 0 {
			h.Facts[idx].Confidence = 1.0
			h.Facts[idx].LastConfirmed = &now
			h.Facts[idx].Clamp()
		}
	case "trait":
		if idx := h.FindTrait(it.Name); idx >= 0 {
			h.Traits[idx].Strength = 1.0
			h.Traits[idx].Clamp()
		}
	case "topic":
		if idx := h.FindTopic(it.Name); idx >= 0 {
			h.Topics[idx].LevelCurrent = h.Topics[idx].LevelIdeal
			h.Topics[idx].LastUpdatedMs = now
			h.Topics[idx].Clamp()
		}
	case "person":
		if idx := h.FindPerson(it.Name); idx >= 0 {
			h.People[idx].LevelCurrent = h.People[idx].LevelIdeal
			h.People[idx].LastUpdatedMs = now
			h.People[idx].Clamp()
		}
	}
	return saveHuman(ctx, c.store, h)
}

// reject deletes the row outright.
func (c *Ceremony) reject(ctx context.Context, it BatchItem) error {
	if it.Target == "system" {
		p, err := loadPersonaEntity(ctx, c.store, it.Persona)
		if err != nil {
			return err
		}
		switch it.DataType {
		case "trait":
			if idx := p.FindTrait(it.Name); idx >= 0 {
				p.Traits = append(p.Traits[:idx], p.Traits[idx+1:]...)
			}
		case "topic":
			if idx := p.FindTopic(it.Name); idx >= 0 {
				p.Topics = append(p.Topics[:idx], p.Topics[idx+1:]...)
			}
		}
		return savePersonaEntity(ctx, c.store, it.Persona, p)
	}

	h, err := loadHuman(ctx, c.store)
	if err != nil {
		return err
	}
	switch it.DataType {
	case "fact":
		if idx := h.FindFact(it.Name); idx >= 0 {
			h.Facts = append(h.Facts[:idx], h.Facts[idx+1:]...)
		}
	case "trait":
		if idx := h.FindTrait(it.Name); idx >= 0 {
			h.Traits = append(h.Traits[:idx], h.Traits[idx+1:]...)
		}
	case "topic":
		if idx := h.FindTopic(it.Name); idx >= 0 {
			h.Topics = append(h.Topics[:idx], h.Topics[idx+1:]...)
		}
	case "person":
		if idx := h.FindPerson(it.Name); idx >= 0 {
			h.People = append(h.People[:idx], h.People[idx+1:]...)
		}
	}
	return saveHuman(ctx, c.store, h)
}

// roleplay sets persona_groups={group} on the row, reusing the same
// on-write tagging helper the fast-scan/detail-update path uses: passing a
// nil existing set makes TagRowGroups produce exactly {group} rather than
// unioning with whatever the row carried before.
func (c *Ceremony) roleplay(ctx context.Context, it BatchItem, group string) error {
	writer := &registry.Persona{GroupPrimary: &group}
	if it.Target == "system" {
		p, err := loadPersonaEntity(ctx, c.store, it.Persona)
		if err != nil {
			return err
		}
		switch it.DataType {
		case "trait":
			if idx := p.FindTrait(it.Name); idx >= 0 {
				p.Traits[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
			}
		case "topic":
			if idx := p.FindTopic(it.Name); idx >= 0 {
				p.Topics[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
			}
		}
		return savePersonaEntity(ctx, c.store, it.Persona, p)
	}

	h, err := loadHuman(ctx, c.store)
	if err != nil {
		return err
	}
	switch it.DataType {
	case "fact":
		if idx := h.FindFact(it.Name); idx >= 0 {
			h.Facts[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
		}
	case "trait":
		if idx := h.FindTrait(it.Name); idx >= 0 {
			h.Traits[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
		}
	case "topic":
		if idx := h.FindTopic(it.Name); idx >= 0 {
			h.Topics[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
		}
	case "person":
		if idx := h.FindPerson(it.Name); idx >= 0 {
			h.People[idx].PersonaGroups = visibility.TagRowGroups(nil, writer)
		}
	}
	return saveHuman(ctx, c.store, h)
}
