package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/flare576/ei/internal/decay"
	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
)

// resetHeartbeatLocked re-arms persona's inactivity timer; must be called
// with s.mu held. Any existing timer is stopped first so ticks coalesce
// rather than stack.
func (s *Scheduler) resetHeartbeatLocked(rt *runtimeState) {
	if rt.heartbeatTimer != nil {
		rt.heartbeatTimer.Stop()
	}
	if rt.isPaused {
		return
	}
	rt.lastActivityMs = idgen.NowMs()
	persona := rt.name
	rt.heartbeatTimer = time.AfterFunc(HeartbeatIntervalMs*time.Millisecond, func() {
		s.fireHeartbeat(context.Background(), persona)
	})

	if rt.sessionIdleTimer != nil {
		rt.sessionIdleTimer.Stop()
	}
	rt.sessionIdleTimer = time.AfterFunc(SessionIdleMs*time.Millisecond, func() {
		s.fireSessionIdle(context.Background(), persona)
	})
}

// fireSessionIdle closes an idle session: one exposure_analysis enqueue per
// idle transition (1h without activity), separate from the ceremony's daily
// validation batch.
func (s *Scheduler) fireSessionIdle(ctx context.Context, persona string) {
	s.mu.Lock()
	rt := s.runtime(persona)
	if rt.isProcessing || len(rt.messageQueue) > 0 || rt.isPaused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	h, err := history.Load(ctx, s.store, persona)
	if err != nil {
		return
	}
	window := h.SinceBoundary(0)
	if len(window) == 0 {
		return
	}
	var sb strings.Builder
	for _, m := range window {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	_, _ = s.q.Enqueue(ctx, queue.TypeExposureAnalysis, queue.PriorityLow, map[string]any{
		"persona":     persona,
		"sessionText": sb.String(),
	})
}

// fireHeartbeat is the inactivity tick: re-arm if busy/paused, otherwise run decay
// across the persona's own topics, and self-initiate a message
// if the desire gap crosses DeltaThreshold.
func (s *Scheduler) fireHeartbeat(ctx context.Context, persona string) {
	s.mu.Lock()
	rt := s.runtime(persona)
	if rt.isPaused {
		s.mu.Unlock()
		return
	}
	if rt.isProcessing || len(rt.messageQueue) > 0 {
		s.resetHeartbeatLocked(rt)
		s.mu.Unlock()
		return
	}
	suppress := rt.suppressHeartbeatUntilReply
	s.mu.Unlock()
	if suppress {
		s.resetHeartbeatAfterTick(rt)
		return
	}

	h, err := history.Load(ctx, s.store, persona)
	if err != nil {
		s.resetHeartbeatAfterTick(rt)
		return
	}

	now := idgen.NowMs()
	gap := s.applyDecayAndComputeGap(ctx, persona, now)

	if gap >= DeltaThreshold {
		s.selfInitiate(ctx, persona, h, now)
	}

	if persona == registry.PrimaryPersonaName {
		s.eiHeartbeatSpecialization(ctx, now)
	}

	s.resetHeartbeatAfterTick(rt)
}

// SetHeartbeatSuppressed marks a persona's heartbeat as held until the
// user's next submission, which clears it. The ceremony sets this on the
// primary persona after issuing its batch so the user's next reply is
// unambiguously the ceremony response.
func (s *Scheduler) SetHeartbeatSuppressed(persona string, suppressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime(persona).suppressHeartbeatUntilReply = suppressed
}

func (s *Scheduler) resetHeartbeatAfterTick(rt *runtimeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetHeartbeatLocked(rt)
}

// applyDecayAndComputeGap runs decay.Step over a persona's own topics and
// returns the max desire gap across them.
func (s *Scheduler) applyDecayAndComputeGap(ctx context.Context, persona string, now int64) float64 {
	var doc entity.Persona
	found, err := s.store.Read(ctx, "entities", "persona:"+persona, &doc)
	if err != nil {
		return 0
	}
	if !found {
		return 0
	}

	var pairs [][2]float64
	changed := false
	for i := range doc.Topics {
		t := &doc.Topics[i]
		hours := hoursSince(t.LastUpdatedMs, now)
		next, did := decay.Step(t.LevelCurrent, t.LevelIdeal, hours)
		if did {
			t.LevelCurrent = next
			t.LastUpdatedMs = now
			changed = true
		}
		pairs = append(pairs, [2]float64{t.LevelCurrent, t.LevelIdeal})
	}
	if changed {
		_ = s.store.Write(ctx, "entities", "persona:"+persona, doc, now)
	}
	return decay.DesireGap(pairs)
}

func hoursSince(lastMs, nowMs int64) float64 {
	if lastMs <= 0 {
		return 0
	}
	return float64(nowMs-lastMs) / 3600000.0
}

// selfInitiate runs a response-only LLM call with no new user input — the
// persona reaching out because its desire gap crossed DeltaThreshold.
func (s *Scheduler) selfInitiate(ctx context.Context, persona string, h *history.History, now int64) {
	model := s.modelSpecFor(persona, llmgateway.OperationResponse)
	system := s.systemPromptFor(persona) + "\n\nYou are reaching out on your own initiative; there is no new message from the human to respond to."
	out, err := s.gw.CallLLM(ctx, system, "(self-initiated check-in)", llmgateway.CallOptions{Operation: llmgateway.OperationResponse}, model)
	if err != nil {
		return
	}
	h.Append(history.Message{Role: history.RoleSystem, Content: out, TimestampMs: now, ConceptProcessed: false})
	_ = history.Save(ctx, s.store, persona, h, now)

	s.mu.Lock()
	rt := s.runtime(persona)
	if s.focused != persona {
		rt.unreadCount++
	}
	s.mu.Unlock()

	if s.cb.OnRender != nil {
		s.cb.OnRender(persona)
	}
}

// eiHeartbeatSpecialization adds the primary persona's extra tick work,
// gathering three context lists for the prompt: (a) its own high-gap
// topics, (b) the human's high-gap topics/people, and (c) inactive
// personas (no human message in >=7 days, not pinged in >=3 days, not
// archived or paused). Any inactive persona the reply actually mentions
// gets last_inactivity_ping stamped.
func (s *Scheduler) eiHeartbeatSpecialization(ctx context.Context, now int64) {
	ownGaps := s.ownHighGapTopics(ctx)
	humanGaps := s.humanHighGapSubjects(ctx)
	inactive := s.inactivePersonas(ctx, now)
	if len(ownGaps) == 0 && len(humanGaps) == 0 && len(inactive) == 0 {
		return
	}

	var sb strings.Builder
	if len(ownGaps) > 0 {
		sb.WriteString("Topics you have been neglecting: " + strings.Join(ownGaps, ", ") + ".\n")
	}
	if len(humanGaps) > 0 {
		sb.WriteString("Topics and people the human has drifted from: " + strings.Join(humanGaps, ", ") + ".\n")
	}
	if len(inactive) > 0 {
		sb.WriteString("It has been a while since the human talked with: " + strings.Join(inactive, ", ") + ". Consider whether to mention any of them.\n")
	}

	model := s.modelSpecFor(registry.PrimaryPersonaName, llmgateway.OperationResponse)
	system := s.systemPromptFor(registry.PrimaryPersonaName)
	out, err := s.gw.CallLLM(ctx, system, sb.String(), llmgateway.CallOptions{Operation: llmgateway.OperationResponse}, model)
	if err != nil {
		return
	}
	lower := strings.ToLower(out)
	for _, name := range inactive {
		if strings.Contains(lower, strings.ToLower(name)) {
			if p, ok := s.reg.Get(name); ok {
				p.LastInactivityPing = &now
			}
		}
	}
}

func gapOf(current, ideal float64) float64 {
	if ideal > current {
		return ideal - current
	}
	return current - ideal
}

// ownHighGapTopics lists the primary persona's topics whose desire gap has
// crossed DeltaThreshold.
func (s *Scheduler) ownHighGapTopics(ctx context.Context) []string {
	var doc entity.Persona
	found, err := s.store.Read(ctx, "entities", "persona:"+registry.PrimaryPersonaName, &doc)
	if err != nil || !found {
		return nil
	}
	var out []string
	for _, t := range doc.Topics {
		if gapOf(t.LevelCurrent, t.LevelIdeal) >= DeltaThreshold {
			out = append(out, t.Name)
		}
	}
	return out
}

// humanHighGapSubjects lists the human's topics and people whose desire gap
// has crossed DeltaThreshold.
func (s *Scheduler) humanHighGapSubjects(ctx context.Context) []string {
	var human entity.Human
	found, err := s.store.Read(ctx, "entities", "human", &human)
	if err != nil || !found {
		return nil
	}
	var out []string
	for _, t := range human.Topics {
		if gapOf(t.LevelCurrent, t.LevelIdeal) >= DeltaThreshold {
			out = append(out, t.Name)
		}
	}
	for _, p := range human.People {
		if gapOf(p.LevelCurrent, p.LevelIdeal) >= DeltaThreshold {
			out = append(out, p.Name)
		}
	}
	return out
}

// inactivePersonas lists non-primary personas that are neither archived nor
// paused, with no human message in >=7 days and no inactivity ping in the
// last 3 days.
func (s *Scheduler) inactivePersonas(ctx context.Context, now int64) []string {
	var out []string
	for _, p := range s.reg.All() {
		if p.IsPrimary() || p.IsArchived || p.IsPaused {
			continue
		}
		if p.LastInactivityPing != nil && hoursSince(*p.LastInactivityPing, now) < 72 {
			continue
		}
		h, err := history.Load(ctx, s.store, p.Name)
		if err != nil {
			continue
		}
		lastHumanMs := int64(0)
		for i := len(h.Messages) - 1; i >= 0; i-- {
			if h.Messages[i].Role == history.RoleHuman {
				lastHumanMs = h.Messages[i].TimestampMs
				break
			}
		}
		if lastHumanMs == 0 || hoursSince(lastHumanMs, now) >= 168 {
			out = append(out, p.Name)
		}
	}
	return out
}

// RunStalenessSweep is the housekeeping tick: find messages older than 20
// minutes with concept_processed still false and enqueue a normal-priority
// fast_scan for them. Driven by a periodic caller, not a per-persona timer.
func (s *Scheduler) RunStalenessSweep(ctx context.Context, now int64) error {
	const staleMs = 20 * 60 * 1000
	for _, p := range s.reg.All() {
		h, err := history.Load(ctx, s.store, p.Name)
		if err != nil {
			continue
		}
		var humanTs, systemTs []int64
		for _, m := range h.Unprocessed() {
			if now-m.TimestampMs < staleMs {
				continue
			}
			if m.Role == history.RoleHuman {
				humanTs = append(humanTs, m.TimestampMs)
			} else {
				systemTs = append(systemTs, m.TimestampMs)
			}
		}
		if len(humanTs) > 0 {
			if err := s.enqueueStaleFastScan(ctx, p.Name, "human", h, humanTs); err != nil {
				return err
			}
		}
		if len(systemTs) > 0 {
			if err := s.enqueueStaleFastScan(ctx, p.Name, "system", h, systemTs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) enqueueStaleFastScan(ctx context.Context, persona, target string, h *history.History, timestamps []int64) error {
	want := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		want[ts] = struct{}{}
	}
	var sb strings.Builder
	for _, m := range h.Messages {
		if _, ok := want[m.TimestampMs]; ok {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	raw, _ := json.Marshal(timestamps)
	var tsAny []any
	_ = json.Unmarshal(raw, &tsAny)
	_, err := s.q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityNormal, map[string]any{
		"persona":          persona,
		"target":           target,
		"conversationText": sb.String(),
		"timestamps":       tsAny,
	})
	return err
}
