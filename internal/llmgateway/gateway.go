// Package llmgateway is the provider-agnostic LLM call layer: it resolves
// provider:model specs, validates credentials lazily (cached per provider
// per process), retries on rate-limit with exponential backoff, and retries
// once on JSON-parse failure with a stricter "JSON only" reinforcement.
// openai-go/v3 and anthropic-sdk-go are the two wired Provider backends.
package llmgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/flare576/ei/internal/aierrors"
	"github.com/flare576/ei/internal/logging"
)

// Operation identifies the purpose of a call, used for env-var fallback
// model resolution.
type Operation string

const (
	OperationResponse   Operation = "response"
	OperationConcept    Operation = "concept"
	OperationGeneration Operation = "generation"
)

// Role identifies the speaker of a provider-agnostic chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a provider-agnostic chat message.
type Message struct {
	Role    Role
	Content string
}

// CallOptions parameterizes a single Gateway call.
type CallOptions struct {
	Operation Operation
	Model     string // explicit provider:model override, highest priority
	Signal    context.Context

	// Schema, when set, validates the parsed JSON in CallLLMForJSON before
	// it is trusted; a response that parses but doesn't conform counts as a
	// parse failure (retried once, then treated as null).
	Schema *jsonschema.Resolved
}

// SchemaFor derives and resolves the JSON schema for T, for
// CallOptions.Schema. Intended for package-level vars; panics on types the
// schema library cannot express, which is a programming error.
func SchemaFor[T any]() *jsonschema.Resolved {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(fmt.Sprintf("llmgateway: derive schema: %v", err))
	}
	resolved, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		panic(fmt.Sprintf("llmgateway: resolve schema: %v", err))
	}
	return resolved
}

// Provider is the interface each concrete backend implements.
type Provider interface {
	Name() string
	Generate(ctx context.Context, model, systemPrompt string, messages []Message) (string, error)
}

// ModelResolver resolves an operation + persona override into a concrete
// provider:model spec, via the fallback chain: persona model ->
// operation env default -> global env default -> built-in default.
type ModelResolver struct {
	PersonaModel    func() string
	OperationEnvVar map[Operation]string
	GlobalEnvVar    string
	BuiltinDefault  string
	Lookup          func(envVar string) string
}

// Resolve implements the fallback chain.
func (r *ModelResolver) Resolve(op Operation) string {
	if r.PersonaModel != nil {
		if m := strings.TrimSpace(r.PersonaModel()); m != "" {
			return m
		}
	}
	if r.Lookup != nil {
		if envVar, ok := r.OperationEnvVar[op]; ok {
			if m := strings.TrimSpace(r.Lookup(envVar)); m != "" {
				return m
			}
		}
		if m := strings.TrimSpace(r.Lookup(r.GlobalEnvVar)); m != "" {
			return m
		}
	}
	return r.BuiltinDefault
}

// ParseModelSpec splits "provider:model" into its parts. If there is no
// colon, provider is empty and model is the whole string.
func ParseModelSpec(spec string) (provider, model string) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", spec
}

// Gateway dispatches calls to the registered Provider for a resolved
// provider:model spec, with retry/backoff and per-provider credential
// validation caching.
type Gateway struct {
	log       logging.Logger
	providers map[string]Provider

	mu               sync.Mutex
	validatedOK      map[string]bool
	credentialEnvVar map[string]string

	maxRetries  int
	backoffBase time.Duration
	logUsage    bool
}

// New constructs a Gateway. credentialEnvVar maps provider name to the env
// var a caller should set if auth fails.
func New(log logging.Logger, credentialEnvVar map[string]string, logUsage bool) *Gateway {
	return &Gateway{
		log:              log,
		providers:        make(map[string]Provider),
		validatedOK:      make(map[string]bool),
		credentialEnvVar: credentialEnvVar,
		maxRetries:       3,
		backoffBase:      1 * time.Second,
		logUsage:         logUsage,
	}
}

// Register adds a provider backend under its name.
func (g *Gateway) Register(p Provider) {
	g.providers[p.Name()] = p
}

// ProviderStatus reports a registered provider's session validation state.
type ProviderStatus struct {
	Name      string
	Validated bool
}

// GetProviderStatuses lists registered providers and whether their
// credentials have validated this session.
func (g *Gateway) GetProviderStatuses() []ProviderStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ProviderStatus, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, ProviderStatus{Name: name, Validated: g.validatedOK[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Gateway) providerFor(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("llmgateway: unknown provider %q", name)
	}
	return p, nil
}

// markValidated caches successful credential validation per provider per
// process.
func (g *Gateway) markValidated(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validatedOK[provider] = true
}

func (g *Gateway) alreadyValidated(provider string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validatedOK[provider]
}

// CallLLM issues a single response/concept/generation call, retrying on
// rate-limit with exponential backoff.
func (g *Gateway) CallLLM(ctx context.Context, system, user string, opts CallOptions, modelSpec string) (string, error) {
	if opts.Model != "" {
		modelSpec = opts.Model
	}
	providerName, model := ParseModelSpec(modelSpec)
	if providerName == "" {
		return "", fmt.Errorf("llmgateway: model spec %q has no provider prefix", modelSpec)
	}
	provider, err := g.providerFor(providerName)
	if err != nil {
		return "", err
	}

	messages := []Message{{Role: RoleUser, Content: user}}

	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", &aierrors.LLMAbortedError{Operation: string(opts.Operation)}
		default:
		}

		out, err := provider.Generate(ctx, model, system, messages)
		if err == nil {
			g.markValidated(providerName)
			if g.logUsage && g.log != nil {
				g.log.Info("llmgateway: call complete", map[string]any{"provider": providerName, "model": model, "operation": string(opts.Operation)})
			}
			return out, nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return "", &aierrors.LLMAbortedError{Operation: string(opts.Operation)}
		}

		classified := aierrors.ClassifyProviderError(providerName, g.credentialEnvVar[providerName], err)
		var rateLimited *aierrors.RateLimitError
		if errors.As(classified, &rateLimited) {
			rateLimited.Attempts = attempt + 1
			lastErr = classified
			g.sleepBackoff(ctx, attempt)
			continue
		}
		return "", classified
	}
	return "", lastErr
}

func (g *Gateway) sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(float64(g.backoffBase) * math.Pow(2, float64(attempt)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// CallLLMForJSON issues a call and parses the result as JSON into dst,
// retrying once with a stricter "JSON only" suffix on parse failure.
// Returns (false, nil) — not an error — when both attempts fail to parse,
// so the caller decides whether a null result fails its task.
func (g *Gateway) CallLLMForJSON(ctx context.Context, system, user string, opts CallOptions, modelSpec string, dst any) (bool, error) {
	raw, err := g.CallLLM(ctx, system, user, opts, modelSpec)
	if err != nil {
		return false, err
	}
	if tryParseJSON(raw, dst, opts.Schema) {
		return true, nil
	}

	reinforced := user + "\n\nValid JSON only, no markdown, no prose."
	raw2, err := g.CallLLM(ctx, system, reinforced, opts, modelSpec)
	if err != nil {
		return false, err
	}
	if tryParseJSON(raw2, dst, opts.Schema) {
		return true, nil
	}
	return false, nil
}

func tryParseJSON(raw string, dst any, schema *jsonschema.Resolved) bool {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if schema != nil {
		var probe any
		if json.Unmarshal([]byte(trimmed), &probe) != nil {
			return false
		}
		if schema.Validate(probe) != nil {
			return false
		}
	}
	return json.Unmarshal([]byte(trimmed), dst) == nil
}
