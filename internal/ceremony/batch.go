package ceremony

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flare576/ei/internal/registry"
)

// SelectBatch picks the day's batch: queued validations ordered
// (data_type priority, then ascending confidence), up to batchSize;
// topped up with staleness suggestions when short.
func (c *Ceremony) SelectBatch(ctx context.Context, reg *registry.Registry, now time.Time) ([]BatchItem, error) {
	pending := c.q.GetPendingValidations()

	items := make([]BatchItem, 0, len(pending))
	for _, it := range pending {
		items = append(items, BatchItem{
			QueueItemID: it.ID,
			Persona:     stringField(it.Payload, "persona"),
			Target:      stringField(it.Payload, "target"),
			DataType:    stringField(it.Payload, "dataType"),
			Name:        stringField(it.Payload, "name"),
			Reason:      stringField(it.Payload, "reason"),
			FromQueue:   true,
		})
	}

	sortBatch(items)
	if len(items) > batchSize {
		items = items[:batchSize]
	}
	if len(items) >= batchSize {
		return items, nil
	}

	stale, err := c.staleSuggestions(ctx, reg, now, batchSize-len(items))
	if err != nil {
		return nil, err
	}
	items = append(items, stale...)
	return items, nil
}

func sortBatch(items []BatchItem) {
	// Stable insertion sort on (dataTypeRank) only: all queue-sourced items
	// share the same "low" confidence tier the fast-scan assigns, so
	// ascending-confidence ordering is a no-op tie among them; the rule
	// still matters once staleness items with varying level_current mix in.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && dataTypeRank(items[j].DataType) < dataTypeRank(items[j-1].DataType); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// staleSuggestions implements the "level_current < 0.2 and last_updated
// older than 6 months, excluding protected relationships" fallback.
func (c *Ceremony) staleSuggestions(ctx context.Context, reg *registry.Registry, now time.Time, want int) ([]BatchItem, error) {
	if want <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()
	var out []BatchItem

	human, err := loadHuman(ctx, c.store)
	if err != nil {
		return nil, err
	}
	for _, t := range human.Topics {
		if isStale(t.LevelCurrent, t.LastUpdatedMs, nowMs) {
			out = append(out, BatchItem{Target: "human", DataType: "topic", Name: t.Name, Reason: "low engagement, not recently updated"})
		}
	}
	for _, p := range human.People {
		if isProtectedRelationship(p.Relationship) {
			continue
		}
		if isStale(p.LevelCurrent, p.LastUpdatedMs, nowMs) {
			out = append(out, BatchItem{Target: "human", DataType: "person", Name: p.Name, Reason: "low engagement, not recently updated"})
		}
	}

	for _, p := range reg.All() {
		if p.IsArchived {
			continue
		}
		doc, err := loadPersonaEntity(ctx, c.store, p.Name)
		if err != nil {
			continue
		}
		for _, t := range doc.Topics {
			if isStale(t.LevelCurrent, t.LastUpdatedMs, nowMs) {
				out = append(out, BatchItem{Persona: p.Name, Target: "system", DataType: "topic", Name: t.Name, Reason: "low engagement, not recently updated"})
			}
		}
	}

	sortBatch(out)
	if len(out) > want {
		out = out[:want]
	}
	return out, nil
}

func isStale(levelCurrent float64, lastUpdatedMs, nowMs int64) bool {
	if levelCurrent >= staleLevelMax {
		return false
	}
	if lastUpdatedMs == 0 {
		return false
	}
	hoursAgo := float64(nowMs-lastUpdatedMs) / 3600000.0
	return hoursAgo >= staleAgeHours
}

// BuildMessage renders the batch as the single natural-language ceremony
// message sent to the user.
func BuildMessage(items []BatchItem) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Quick check-in on a few things I've picked up:\n")
	for i, it := range items {
		label := it.Name
		if it.Reason != "" {
			label = fmt.Sprintf("%s (%s)", it.Name, it.Reason)
		}
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, it.DataType, label))
	}
	sb.WriteString("\nLet me know what's still right, what's changed, and what I should drop.")
	return sb.String()
}
