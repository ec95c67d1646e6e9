// Package scheduler implements the per-persona runtime state machine:
// Idle -> DebounceWait -> Processing -> Idle, with side edges Paused and
// Aborting. It is the centerpiece the rest of the system hangs off — every
// user submission, persona switch, and heartbeat tick funnels through here.
//
// Timers are coalescing: one pending timer per persona per concern, re-armed
// rather than stacked. Duplicate submissions are rejected by a short TTL
// check on the last submitted text.
package scheduler

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flare576/ei/internal/aierrors"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

const (
	DebounceMs            = 2000
	CompleteThoughtLength = 30
	DuplicateGuardMs      = 2000
	HeartbeatIntervalMs   = 30 * 60 * 1000
	SessionIdleMs         = 60 * 60 * 1000 // 1h idle -> deferred exposure analysis
	DeltaThreshold        = 0.3
)

// Worker is the subset of internal/worker.Worker the Scheduler drives for
// preemption: background work pauses for the duration of a conversational
// response and resumes after.
type Worker interface {
	Pause()
	Resume()
}

// TraitEngine is the subset of internal/extraction.Engine the Scheduler
// drives on every non-"ei" human submission: the three-tier behavior-change
// gate that decides whether a message is an explicit standing instruction
// rather than general conversation.
type TraitEngine interface {
	ApplyBehaviorRequest(ctx context.Context, persona, humanMessage string) error
}

// runtimeState is the in-memory per-persona record: the coalescing message
// buffer, the in-flight handle, and every timer scoped to the persona.
type runtimeState struct {
	name string

	messageQueue   []string
	isProcessing   bool
	cancelInFlight context.CancelFunc

	lastActivityMs int64
	unreadCount    int

	isPaused     bool
	pauseUntilMs *int64
	pauseTimer   *time.Timer

	heartbeatTimer   *time.Timer
	debounceTimer    *time.Timer
	sessionIdleTimer *time.Timer

	lastSubmittedText string
	lastSubmittedAtMs int64

	suppressHeartbeatUntilReply bool
}

// Callbacks lets the UI/command layer observe scheduler state changes
// without the Scheduler depending on any particular UI: render and
// statusChange are the only contracts exposed outward.
type Callbacks struct {
	OnRender       func(persona string)
	OnStatusChange func(persona, status string)
}

// Scheduler owns every persona's runtime state and drives submissions,
// heartbeats, pause/resume, and switching.
type Scheduler struct {
	reg    *registry.Registry
	store  *storage.Store
	q      *queue.Queue
	gw     *llmgateway.Gateway
	worker Worker
	log    logging.Logger
	cb     Callbacks

	// traitEngine runs the persona-trait behavior-change gate on every
	// non-"ei" human submission. Left nil in tests that don't exercise it.
	traitEngine TraitEngine

	mu       sync.Mutex
	runtimes map[string]*runtimeState
	focused  string

	// modelSpecOverride lets tests fix the resolved model spec without
	// depending on environment variables. Nil in production.
	modelSpecOverride func(persona string, op llmgateway.Operation) string
}

// SetTraitEngine wires the three-tier behavior-change pipeline that Submit
// runs, decoupled from the response path, for every human message to a
// persona other than "ei".
func (s *Scheduler) SetTraitEngine(e TraitEngine) {
	s.traitEngine = e
}

// New constructs a Scheduler bound to its collaborators.
func New(reg *registry.Registry, store *storage.Store, q *queue.Queue, gw *llmgateway.Gateway, w Worker, log logging.Logger, cb Callbacks) *Scheduler {
	return &Scheduler{reg: reg, store: store, q: q, gw: gw, worker: w, log: log, cb: cb, runtimes: make(map[string]*runtimeState)}
}

func (s *Scheduler) runtime(name string) *runtimeState {
	if rt, ok := s.runtimes[name]; ok {
		return rt
	}
	rt := &runtimeState{name: name}
	s.runtimes[name] = rt
	return rt
}

// modelSpecFor resolves a persona+operation to a provider:model spec via
// the Gateway's fallback chain: persona model override -> operation env var
// -> global env var -> built-in default. Tests may set modelSpecOverride to
// bypass environment lookups entirely.
func (s *Scheduler) modelSpecFor(persona string, op llmgateway.Operation) string {
	if s.modelSpecOverride != nil {
		return s.modelSpecOverride(persona, op)
	}
	p, _ := s.reg.Get(persona)
	resolver := &llmgateway.ModelResolver{
		PersonaModel: func() string {
			if p != nil && p.Model != nil {
				return *p.Model
			}
			return ""
		},
		OperationEnvVar: map[llmgateway.Operation]string{
			llmgateway.OperationResponse:   "EI_MODEL_RESPONSE",
			llmgateway.OperationConcept:    "EI_MODEL_CONCEPT",
			llmgateway.OperationGeneration: "EI_MODEL_GENERATION",
		},
		GlobalEnvVar:   "EI_LLM_MODEL",
		BuiltinDefault: "anthropic:claude-sonnet-4-5",
		Lookup:         os.Getenv,
	}
	return resolver.Resolve(op)
}

// Submit records a user message for persona: persist it as queued, buffer
// it for coalescing, and either start processing immediately (long enough
// to read as a complete thought), schedule the debounce, or — if a response
// is already in flight — abort it and leave the new text queued.
func (s *Scheduler) Submit(ctx context.Context, persona, text string) error {
	s.mu.Lock()
	rt := s.runtime(persona)
	now := idgen.NowMs()

	// Duplicate-submission guard: reject identical text within 2000ms
	// (key-repeat / UI double-fire).
	if text == rt.lastSubmittedText && now-rt.lastSubmittedAtMs < DuplicateGuardMs {
		s.mu.Unlock()
		return nil
	}
	rt.lastSubmittedText = text
	rt.lastSubmittedAtMs = now
	rt.suppressHeartbeatUntilReply = false

	h, err := history.Load(ctx, s.store, persona)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	h.Append(history.Message{Role: history.RoleHuman, Content: text, TimestampMs: now, State: history.StateQueued})
	if err := history.Save(ctx, s.store, persona, h, now); err != nil {
		s.mu.Unlock()
		return err
	}

	rt.messageQueue = append(rt.messageQueue, text)

	// Persona traits update only on explicit behavior-change requests, never
	// as a byproduct of the response path; run the gate async so a slow LLM
	// call here never delays the user's reply.
	if s.traitEngine != nil && persona != registry.PrimaryPersonaName {
		go func() {
			if err := s.traitEngine.ApplyBehaviorRequest(context.Background(), persona, text); err != nil && s.log != nil {
				s.log.Error("scheduler: behavior-change gate failed", map[string]any{"persona": persona, "error": err.Error()})
			}
		}()
	}

	if rt.isPaused {
		s.mu.Unlock()
		s.notifyStatus(persona, "queued while paused")
		return nil
	}

	s.resetHeartbeatLocked(rt)

	if rt.isProcessing {
		// Aborting: signal the in-flight operation's cancel token and mark
		// the human message that was in flight — not the one just appended —
		// failed; do not auto-restart (the new text is already queued for
		// the next drain).
		if rt.cancelInFlight != nil {
			rt.cancelInFlight()
		}
		for i := len(h.Messages) - 2; i >= 0; i-- {
			if h.Messages[i].Role == history.RoleHuman {
				h.Messages[i].State = history.StateFailed
				_ = history.Save(ctx, s.store, persona, h, idgen.NowMs())
				break
			}
		}
		s.mu.Unlock()
		return nil
	}

	total := history.TotalLength(rt.messageQueue)
	if total >= CompleteThoughtLength {
		s.cancelDebounceLocked(rt)
		s.mu.Unlock()
		go s.process(ctx, persona)
		return nil
	}
	s.scheduleDebounceLocked(ctx, rt)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) scheduleDebounceLocked(ctx context.Context, rt *runtimeState) {
	s.cancelDebounceLocked(rt)
	rt.debounceTimer = time.AfterFunc(DebounceMs*time.Millisecond, func() {
		s.debounceFire(ctx, rt.name)
	})
}

func (s *Scheduler) cancelDebounceLocked(rt *runtimeState) {
	if rt.debounceTimer != nil {
		rt.debounceTimer.Stop()
		rt.debounceTimer = nil
	}
}

func (s *Scheduler) debounceFire(ctx context.Context, persona string) {
	s.mu.Lock()
	rt := s.runtime(persona)
	if len(rt.messageQueue) == 0 || rt.isProcessing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.process(ctx, persona)
}

// process implements the Processing state: drain, call the gateway,
// record the outcome, and loop if late arrivals accumulated meanwhile.
func (s *Scheduler) process(ctx context.Context, persona string) {
	for {
		s.mu.Lock()
		rt := s.runtime(persona)
		if len(rt.messageQueue) == 0 {
			rt.isProcessing = false
			s.resetHeartbeatLocked(rt)
			s.mu.Unlock()
			return
		}
		combined := strings.Join(rt.messageQueue, "\n")
		rt.messageQueue = nil
		rt.isProcessing = true
		runCtx, cancel := context.WithCancel(ctx)
		rt.cancelInFlight = cancel
		s.mu.Unlock()

		if s.worker != nil {
			s.worker.Pause()
		}
		s.notifyStatus(persona, "processing")

		model := s.modelSpecFor(persona, llmgateway.OperationResponse)
		system := s.systemPromptFor(persona)
		out, err := s.gw.CallLLM(runCtx, system, combined, llmgateway.CallOptions{Operation: llmgateway.OperationResponse}, model)

		s.mu.Lock()
		rt.cancelInFlight = nil
		s.mu.Unlock()
		cancel()
		if s.worker != nil {
			s.worker.Resume()
		}

		h, herr := history.Load(ctx, s.store, persona)
		if herr == nil {
			now := idgen.NowMs()
			switch {
			case err == nil:
				if idx := h.LastHumanIndex(); idx >= 0 {
					h.Messages[idx].State = history.StateSent
				}
				h.Append(history.Message{Role: history.RoleSystem, Content: out, TimestampMs: now, ConceptProcessed: false})
				s.mu.Lock()
				if s.focused != persona {
					rt.unreadCount++
				}
				s.mu.Unlock()
				s.notifyStatus(persona, "idle")
			default:
				if idx := h.LastHumanIndex(); idx >= 0 {
					h.Messages[idx].State = history.StateFailed
				}
				if aierrors.IsAborted(err) || runCtx.Err() != nil {
					s.notifyStatus(persona, "aborted")
				} else {
					s.notifyStatus(persona, "error: "+err.Error())
					if s.log != nil {
						s.log.Error("scheduler: response call failed", map[string]any{"persona": persona, "error": err.Error()})
					}
				}
			}
			_ = history.Save(ctx, s.store, persona, h, now)
		}
		if s.cb.OnRender != nil {
			s.cb.OnRender(persona)
		}

		s.mu.Lock()
		if len(rt.messageQueue) == 0 {
			rt.isProcessing = false
			s.resetHeartbeatLocked(rt)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// Late arrivals accumulated during processing: loop and drain again.
	}
}

func (s *Scheduler) systemPromptFor(persona string) string {
	p, ok := s.reg.Get(persona)
	if !ok || p == nil {
		return ""
	}
	return p.LongDescription
}

func (s *Scheduler) notifyStatus(persona, status string) {
	if s.cb.OnStatusChange != nil {
		s.cb.OnStatusChange(persona, status)
	}
}

// Focus sets the currently-viewed persona, clearing its unread count.
func (s *Scheduler) Focus(persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = persona
	rt := s.runtime(persona)
	rt.unreadCount = 0
}

// UnreadCount reports a persona's unread count for status display.
func (s *Scheduler) UnreadCount(persona string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime(persona).unreadCount
}
