package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/flare576/ei/internal/idgen"
)

// Pause suspends a persona's scheduling: its heartbeat timer is cancelled
// and, when untilMs is non-nil, an expiry timer auto-resumes it. A nil
// untilMs pauses indefinitely.
func (s *Scheduler) Pause(persona string, untilMs *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtime(persona)
	rt.isPaused = true
	rt.pauseUntilMs = untilMs
	if rt.heartbeatTimer != nil {
		rt.heartbeatTimer.Stop()
		rt.heartbeatTimer = nil
	}
	if rt.pauseTimer != nil {
		rt.pauseTimer.Stop()
		rt.pauseTimer = nil
	}
	if untilMs != nil {
		delay := time.Duration(*untilMs-idgen.NowMs()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		rt.pauseTimer = time.AfterFunc(delay, func() {
			s.Resume(persona)
		})
	}
	if p, ok := s.reg.Get(persona); ok {
		p.IsPaused = true
		p.PauseUntilMs = untilMs
	}
}

// Resume clears a persona's pause state, re-arms its heartbeat, and — when
// messages queued up during the pause — coalesces and processes them.
func (s *Scheduler) Resume(persona string) {
	s.mu.Lock()
	rt := s.runtime(persona)
	rt.isPaused = false
	rt.pauseUntilMs = nil
	if rt.pauseTimer != nil {
		rt.pauseTimer.Stop()
		rt.pauseTimer = nil
	}
	if p, ok := s.reg.Get(persona); ok {
		p.IsPaused = false
		p.PauseUntilMs = nil
	}
	s.resetHeartbeatLocked(rt)
	replay := len(rt.messageQueue) > 0 && !rt.isProcessing
	s.mu.Unlock()

	if replay {
		go s.process(context.Background(), persona)
	}
}

// AbortInFlight cancels persona's in-flight LLM call, if any, without
// touching its pause/archive flags or timers. Used by snapshot restore,
// where the restored data, not the persona's runtime mode, is what's
// changing.
func (s *Scheduler) AbortInFlight(persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtime(persona)
	if rt.cancelInFlight != nil {
		rt.cancelInFlight()
	}
}

// RestoreFromRegistry re-arms pause-expiry timers and heartbeats for every
// persona on startup, auto-resuming any whose pause_until has already
// elapsed.
func (s *Scheduler) RestoreFromRegistry() {
	now := idgen.NowMs()
	for _, p := range s.reg.All() {
		if p.IsArchived {
			continue
		}
		if p.IsPaused {
			if p.PauseUntilMs != nil && *p.PauseUntilMs <= now {
				s.Resume(p.Name)
				continue
			}
			s.Pause(p.Name, p.PauseUntilMs)
			continue
		}
		s.mu.Lock()
		rt := s.runtime(p.Name)
		s.resetHeartbeatLocked(rt)
		s.mu.Unlock()
	}
}

// Archive aborts any in-flight operation for persona and stops its timers.
// An archived persona behaves like an indefinitely paused one plus the
// in-flight abort, rather than a distinct third runtime state.
func (s *Scheduler) Archive(ctx context.Context, persona string) error {
	s.mu.Lock()
	rt := s.runtime(persona)
	if rt.cancelInFlight != nil {
		rt.cancelInFlight()
	}
	if rt.heartbeatTimer != nil {
		rt.heartbeatTimer.Stop()
		rt.heartbeatTimer = nil
	}
	if rt.debounceTimer != nil {
		rt.debounceTimer.Stop()
		rt.debounceTimer = nil
	}
	if rt.sessionIdleTimer != nil {
		rt.sessionIdleTimer.Stop()
		rt.sessionIdleTimer = nil
	}
	if rt.pauseTimer != nil {
		rt.pauseTimer.Stop()
		rt.pauseTimer = nil
	}
	rt.messageQueue = nil
	s.mu.Unlock()

	p, ok := s.reg.Get(persona)
	if !ok {
		return fmt.Errorf("scheduler: unknown persona %q", persona)
	}
	now := idgen.NowMs()
	p.IsArchived = true
	p.ArchivedAtMs = &now
	_ = ctx
	return nil
}
