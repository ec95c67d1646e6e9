package scheduler

import (
	"context"
	"strings"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/queue"
)

// Switch moves focus between personas: the outgoing persona's unprocessed
// messages are queued for a high-priority fast_scan,
// the incoming persona's recent window is loaded, its unread count is
// cleared, and its heartbeat is reset.
func (s *Scheduler) Switch(ctx context.Context, from, to string) error {
	if from != "" && from != to {
		if err := s.enqueueSwitchFastScan(ctx, from); err != nil {
			return err
		}
	}

	h, err := history.Load(ctx, s.store, to)
	if err != nil {
		return err
	}
	window := h.SinceBoundary(20)
	for i := range h.Messages {
		h.Messages[i].Read = true
	}
	if err := history.Save(ctx, s.store, to, h, idgen.NowMs()); err != nil {
		return err
	}
	_ = window // recent window is surfaced to the UI layer via callbacks, not returned here

	s.Focus(to)

	s.mu.Lock()
	rt := s.runtime(to)
	s.resetHeartbeatLocked(rt)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) enqueueSwitchFastScan(ctx context.Context, persona string) error {
	h, err := history.Load(ctx, s.store, persona)
	if err != nil {
		return err
	}
	unprocessed := h.Unprocessed()
	if len(unprocessed) == 0 {
		return nil
	}

	var humanSB, systemSB strings.Builder
	var humanTs, systemTs []any
	for _, m := range unprocessed {
		if m.Role == history.RoleHuman {
			humanSB.WriteString(m.Content + "\n")
			humanTs = append(humanTs, m.TimestampMs)
		} else {
			systemSB.WriteString(m.Content + "\n")
			systemTs = append(systemTs, m.TimestampMs)
		}
	}

	if humanSB.Len() > 0 {
		if _, err := s.q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityHigh, map[string]any{
			"persona": persona, "target": "human", "conversationText": humanSB.String(), "timestamps": humanTs,
		}); err != nil {
			return err
		}
	}
	if systemSB.Len() > 0 {
		if _, err := s.q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityHigh, map[string]any{
			"persona": persona, "target": "system", "conversationText": systemSB.String(), "timestamps": systemTs,
		}); err != nil {
			return err
		}
	}
	return nil
}
