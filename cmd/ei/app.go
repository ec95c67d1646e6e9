// Package main wires every internal package into a runnable CLI:
// construct collaborators, start background workers, and serve a REPL over
// stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flare576/ei/internal/ceremony"
	"github.com/flare576/ei/internal/command"
	"github.com/flare576/ei/internal/config"
	"github.com/flare576/ei/internal/extraction"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/scheduler"
	"github.com/flare576/ei/internal/snapshot"
	"github.com/flare576/ei/internal/storage"
	"github.com/flare576/ei/internal/worker"
)

// app bundles every collaborator built by buildApp, so cobra subcommands
// can reach whichever ones they need without re-deriving the wiring.
type app struct {
	cfg   *config.Config
	store *storage.Store
	log   logging.Logger

	reg       *registry.Registry
	gw        *llmgateway.Gateway
	q         *queue.Queue
	engine    *extraction.Engine
	wkr       *worker.Worker
	sched     *scheduler.Scheduler
	snapshots *snapshot.Manager
	cer       *ceremony.Ceremony
	disp      *command.Dispatcher

	// rendered carries a formatted line per persona reply, fed by the
	// scheduler's OnRender callback and drained by the REPL loop.
	rendered chan string
}

// buildApp constructs the full collaborator graph: storage -> queue ->
// gateway (+ providers) -> extraction engine -> worker -> registry ->
// scheduler -> snapshot manager -> ceremony -> command dispatcher. Each
// stage only depends on stages already constructed, so the order below is
// also the dependency order.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	base := logging.NewBase(cfg.Debug)
	log := logging.New(base, "ei")

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	store, err := storage.Open(storePath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	q, err := queue.New(ctx, store, logging.New(base, "queue"), cfg.Debug)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load queue: %w", err)
	}

	gw := llmgateway.New(logging.New(base, "llmgateway"), cfg.CredentialEnvVar(), cfg.LogModelUsage)
	if cfg.AnthropicAPIKey != "" {
		gw.Register(llmgateway.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.LLMBaseURL))
	}
	if cfg.OpenAIAPIKey != "" {
		gw.Register(llmgateway.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMBaseURL))
	}

	reg, err := registry.Load(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if cfg.SeedFile != "" {
		sf, err := registry.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load seed file: %w", err)
		}
		if err := registry.ApplySeed(reg, sf); err != nil {
			store.Close()
			return nil, fmt.Errorf("apply seed file: %w", err)
		}
	}

	modelSpec := perPersonaModelResolver(reg)

	engine := extraction.New(gw, store, q, logging.New(base, "extraction"), modelSpec)
	engine.SetRegistry(reg)
	engine.SetDescriptionUpdater(func(persona, short, long string) error {
		p, ok := reg.Get(persona)
		if !ok {
			return fmt.Errorf("unknown persona %q", persona)
		}
		p.ShortDescription = short
		p.LongDescription = long
		return nil
	})

	wkr := worker.New(q, engine, logging.New(base, "worker"))

	rendered := make(chan string, 32)
	cb := scheduler.Callbacks{
		OnRender: func(persona string) {
			h, err := history.Load(context.Background(), store, persona)
			if err != nil {
				return
			}
			if reply, ok := lastReply(h); ok {
				rendered <- fmt.Sprintf("[%s] %s", persona, reply)
			}
		},
	}
	sched := scheduler.New(reg, store, q, gw, wkr, logging.New(base, "scheduler"), cb)
	sched.SetTraitEngine(engine)

	snaps := snapshot.New(store, reg, sched)
	cer := ceremony.New(store, q, gw, logging.New(base, "ceremony"), modelSpec)

	disp := &command.Dispatcher{
		Scheduler: sched,
		Registry:  reg,
		Snapshots: snaps,
		Ceremony:  cer,
		Store:     store,
		Gateway:   gw,
	}

	return &app{
		cfg: cfg, store: store, log: log,
		reg: reg, gw: gw, q: q, engine: engine, wkr: wkr,
		sched: sched, snapshots: snaps, cer: cer, disp: disp,
		rendered: rendered,
	}, nil
}

func (a *app) Close() {
	a.wkr.Stop()
	a.store.Close()
}

// saveRegistry persists persona records + roster order, so pause/archive/
// model/group changes survive restart.
func (a *app) saveRegistry(ctx context.Context) error {
	return registry.Save(ctx, a.store, a.reg, idgen.NowMs())
}

// backgroundInterval paces the housekeeping loop: the staleness sweep runs
// every tick and the daily ceremony check
// piggybacks on the same cadence.
const backgroundInterval = 5 * time.Minute

// runBackground drives the periodic concerns the REPL loop must not block
// on: the concept-staleness sweep and the once-per-day ceremony.
func (a *app) runBackground(ctx context.Context) {
	ticker := time.NewTicker(backgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.sched.RunStalenessSweep(ctx, idgen.NowMs()); err != nil {
			a.log.Warn("staleness sweep failed", map[string]any{"error": err.Error()})
		}

		should, err := a.cer.ShouldRun(ctx, idgen.Now(), a.cfg.CeremonyHourLocal)
		if err != nil || !should {
			continue
		}
		msg, err := a.cer.Run(ctx, a.reg, idgen.Now())
		if err != nil {
			a.log.Warn("ceremony run failed", map[string]any{"error": err.Error()})
			continue
		}
		if msg == "" {
			continue
		}
		a.sched.SetHeartbeatSuppressed(registry.PrimaryPersonaName, true)
		select {
		case a.rendered <- fmt.Sprintf("[%s] %s", registry.PrimaryPersonaName, msg):
		default:
		}
	}
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataPath, "ei.db")
}

// perPersonaModelResolver mirrors scheduler.modelSpecFor's fallback chain
// (persona model -> operation env var -> global env var -> built-in
// default) for the non-response operations (concept/generation) that
// extraction and ceremony drive, so a persona's model override applies
// uniformly across every call the engine makes on its behalf.
func perPersonaModelResolver(reg *registry.Registry) func(persona string, op llmgateway.Operation) string {
	return func(persona string, op llmgateway.Operation) string {
		p, _ := reg.Get(persona)
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
			Lookup:         envLookup,
		}
		return resolver.Resolve(op)
	}
}
