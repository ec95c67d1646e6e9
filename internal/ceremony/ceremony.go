// Package ceremony implements the daily verification batch: once per
// calendar day, gather a handful of low-confidence or stale entity rows,
// ask the human to confirm/correct/reject them in one message, and apply
// their free-form reply. Pending items come from the queue's ei_validation
// carve-out; the reply is parsed into a structured verdict via the
// Gateway.
package ceremony

import (
	"context"
	"strings"
	"time"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

const (
	stateCollection = "ceremony_state"
	stateDocID      = "state"
	batchSize       = 5
	staleLevelMax   = 0.2
	staleAgeHours   = 6 * 30 * 24 // ~6 months
)

// protectedRelationshipTerms names family/partner relationships that are
// never candidates for staleness or removal suggestions.
var protectedRelationshipTerms = map[string]struct{}{
	// partners
	"partner": {}, "spouse": {}, "wife": {}, "husband": {}, "boyfriend": {}, "girlfriend": {},
	"fiance": {}, "fiancee": {}, "significant other": {}, "life partner": {},
	// parents
	"mother": {}, "father": {}, "mom": {}, "dad": {}, "mama": {}, "papa": {}, "parent": {},
	"stepmother": {}, "stepfather": {}, "stepmom": {}, "stepdad": {},
	"mother-in-law": {}, "father-in-law": {}, "parent-in-law": {},
	// children
	"son": {}, "daughter": {}, "child": {}, "stepson": {}, "stepdaughter": {},
	"son-in-law": {}, "daughter-in-law": {}, "godson": {}, "goddaughter": {}, "godchild": {},
	// siblings
	"brother": {}, "sister": {}, "sibling": {}, "stepbrother": {}, "stepsister": {},
	"half-brother": {}, "half-sister": {}, "brother-in-law": {}, "sister-in-law": {}, "twin": {},
	// grandparents
	"grandmother": {}, "grandfather": {}, "grandparent": {}, "grandma": {}, "grandpa": {},
	"nana": {}, "granny": {}, "great-grandmother": {}, "great-grandfather": {}, "great-grandparent": {},
	// grandchildren
	"grandson": {}, "granddaughter": {}, "grandchild": {},
	"great-grandson": {}, "great-granddaughter": {}, "great-grandchild": {},
	// extended family
	"aunt": {}, "uncle": {}, "great-aunt": {}, "great-uncle": {}, "niece": {}, "nephew": {},
	"grandniece": {}, "grandnephew": {}, "cousin": {}, "first cousin": {}, "second cousin": {},
	"godmother": {}, "godfather": {}, "godparent": {},
	// guardianship
	"guardian": {}, "foster mother": {}, "foster father": {}, "foster parent": {}, "foster child": {},
	"adoptive mother": {}, "adoptive father": {}, "adopted son": {}, "adopted daughter": {},
	// former partners
	"ex-husband": {}, "ex-wife": {}, "ex-partner": {}, "ex-boyfriend": {}, "ex-girlfriend": {},
	// closest friends
	"best friend": {}, "close friend": {},
}

func isProtectedRelationship(rel string) bool {
	_, ok := protectedRelationshipTerms[strings.ToLower(strings.TrimSpace(rel))]
	return ok
}

// dataTypeRank orders batch selection: fact > person > trait > topic.
func dataTypeRank(dt string) int {
	switch dt {
	case "fact":
		return 0
	case "person":
		return 1
	case "trait":
		return 2
	case "topic":
		return 3
	default:
		return 4
	}
}

// BatchItem is one row surfaced in the ceremony message.
type BatchItem struct {
	QueueItemID string `json:"queueItemId,omitempty"` // empty for staleness-only suggestions
	Persona     string `json:"persona"`
	Target      string `json:"target"`
	DataType    string `json:"dataType"`
	Name        string `json:"name"`
	Reason      string `json:"reason"`
	FromQueue   bool   `json:"fromQueue"`
}

// state is the persisted ceremony bookkeeping document.
type state struct {
	LastRunDateKey              string      `json:"lastRunDateKey"` // "2026-07-31" in local time
	PendingBatch                []BatchItem `json:"pendingBatch"`
	SuppressHeartbeatUntilReply bool        `json:"suppressHeartbeatUntilReply"`
}

// Ceremony drives the daily verification pass.
type Ceremony struct {
	store *storage.Store
	q     *queue.Queue
	gw    *llmgateway.Gateway
	log   logging.Logger

	modelSpec func(persona string, op llmgateway.Operation) string
}

// New constructs a Ceremony bound to its collaborators.
func New(store *storage.Store, q *queue.Queue, gw *llmgateway.Gateway, log logging.Logger, modelSpec func(persona string, op llmgateway.Operation) string) *Ceremony {
	return &Ceremony{store: store, q: q, gw: gw, log: log, modelSpec: modelSpec}
}

func (c *Ceremony) loadState(ctx context.Context) (*state, error) {
	var st state
	found, err := c.store.Read(ctx, stateCollection, stateDocID, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		st = state{}
	}
	return &st, nil
}

func (c *Ceremony) saveState(ctx context.Context, st *state) error {
	return c.store.Write(ctx, stateCollection, stateDocID, st, idgen.NowMs())
}

// ShouldRun reports whether the ceremony should fire now: at most once per
// calendar day, at or after the configured local hour.
func (c *Ceremony) ShouldRun(ctx context.Context, now time.Time, hour int) (bool, error) {
	if now.Hour() < hour {
		return false, nil
	}
	st, err := c.loadState(ctx)
	if err != nil {
		return false, err
	}
	today := now.Format("2006-01-02")
	return st.LastRunDateKey != today, nil
}

// Run executes the daily ceremony: select the batch, persist it as the
// pending reply context, append the single natural-language message to the
// primary persona's history, and stamp today's date so the ceremony fires at
// most once per calendar day. Returns the message, or "" when nothing needed
// verification (the date is still stamped so the check doesn't re-fire all
// day).
func (c *Ceremony) Run(ctx context.Context, reg *registry.Registry, now time.Time) (string, error) {
	st, err := c.loadState(ctx)
	if err != nil {
		return "", err
	}
	st.LastRunDateKey = now.Format("2006-01-02")

	items, err := c.SelectBatch(ctx, reg, now)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", c.saveState(ctx, st)
	}

	st.PendingBatch = items
	st.SuppressHeartbeatUntilReply = true
	msg := BuildMessage(items)

	nowMs := idgen.NowMs()
	h, err := history.Load(ctx, c.store, registry.PrimaryPersonaName)
	if err != nil {
		return "", err
	}
	h.Append(history.Message{Role: history.RoleSystem, Content: msg, TimestampMs: nowMs, ConceptProcessed: true})
	if err := history.Save(ctx, c.store, registry.PrimaryPersonaName, h, nowMs); err != nil {
		return "", err
	}
	if c.log != nil {
		c.log.Info("ceremony: issued batch", map[string]any{"items": len(items)})
	}
	return msg, c.saveState(ctx, st)
}

// AwaitingReply reports whether a ceremony batch is pending the user's next
// reply — the caller routes that reply to ApplyReply instead of the normal
// response path, and keeps the primary persona's heartbeat suppressed until
// then.
func (c *Ceremony) AwaitingReply(ctx context.Context) (bool, error) {
	st, err := c.loadState(ctx)
	if err != nil {
		return false, err
	}
	return len(st.PendingBatch) > 0, nil
}
