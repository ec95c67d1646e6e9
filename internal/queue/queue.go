// Package queue implements the persistent priority queue of LLM tasks:
// append/dequeue/complete/fail with FIFO-within-priority ordering,
// attempt/dead-letter bookkeeping, and an ei_validation carve-out reserved
// for the verification ceremony. The whole queue is a version-stamped
// document rewritten on every mutation under a single serialization lock,
// so it survives restarts intact.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/storage"
)

// Priority orders dequeue selection: High < Normal < Low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// ItemType identifies the kind of work a queue item represents.
type ItemType string

const (
	TypeFastScan         ItemType = "fast_scan"
	TypeDetailUpdate     ItemType = "detail_update"
	TypeEIValidation     ItemType = "ei_validation"
	TypeDescriptionRegen ItemType = "description_regen"
	TypeExposureAnalysis ItemType = "exposure_analysis"
)

// MaxAttempts is the dead-letter threshold: an item failing this many times
// is dropped.
const MaxAttempts = 3

// Item is one unit of queued work.
type Item struct {
	ID          string         `json:"id"`
	Type        ItemType       `json:"type"`
	Priority    Priority       `json:"priority"`
	CreatedAtMs int64          `json:"createdAtMs"`
	Attempts    int            `json:"attempts"`
	LastAttempt *int64         `json:"lastAttempt,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// storeFile is the persisted shape: {version, items[], last_processed?}.
type storeFile struct {
	Version       int    `json:"version"`
	Items         []Item `json:"items"`
	LastProcessed *int64 `json:"lastProcessed,omitempty"`
}

// DeadLetter is a record of an item dropped after MaxAttempts failures.
type DeadLetter struct {
	Item Item
	Err  string
	AtMs int64
}

const (
	collection = "llm_queue"
	docID      = "queue"
)

// Queue is the persistent priority queue. All mutating operations run under
// a single mutex, so concurrent writers are strictly ordered and never
// corrupt the stored document.
type Queue struct {
	store *storage.Store
	log   logging.Logger
	debug bool

	mu   sync.Mutex
	file storeFile

	onDeadLetter func(DeadLetter)
}

// New constructs a Queue bound to store, loading existing state.
func New(ctx context.Context, store *storage.Store, log logging.Logger, debug bool) (*Queue, error) {
	q := &Queue{store: store, log: log, debug: debug}
	var file storeFile
	found, err := store.Read(ctx, collection, docID, &file)
	if err != nil {
		return nil, err
	}
	if !found {
		file = storeFile{Version: 1, Items: []Item{}}
	}
	if file.Version == 0 {
		file.Version = 1
	}
	q.file = file
	return q, nil
}

// OnDeadLetter registers a callback invoked whenever an item is dropped
// after MaxAttempts failures.
func (q *Queue) OnDeadLetter(fn func(DeadLetter)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

func (q *Queue) persistLocked(ctx context.Context) error {
	return q.store.Write(ctx, collection, docID, q.file, idgen.NowMs())
}

// Enqueue assigns an id and created_at, persists, and logs.
func (q *Queue) Enqueue(ctx context.Context, itemType ItemType, priority Priority, payload map[string]any) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := idgen.NowMs()
	item := Item{
		ID:          idgen.NewQueueItemID(now),
		Type:        itemType,
		Priority:    priority,
		CreatedAtMs: now,
		Payload:     payload,
	}
	q.file.Items = append(q.file.Items, item)
	if err := q.persistLocked(ctx); err != nil {
		return Item{}, err
	}
	if q.log != nil {
		q.log.Info("queue: enqueued", map[string]any{"id": item.ID, "type": string(item.Type), "priority": string(item.Priority)})
	}
	return item, nil
}

// sortedVisible returns non-ei_validation items ordered by
// (priority, created_at asc) — stable sort preserves FIFO within a priority.
func sortedVisible(items []Item) []Item {
	var visible []Item
	for _, it := range items {
		if it.Type != TypeEIValidation {
			visible = append(visible, it)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		pi, pj := priorityRank(visible[i].Priority), priorityRank(visible[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return visible[i].CreatedAtMs < visible[j].CreatedAtMs
	})
	return visible
}

// Dequeue returns the next non-ei_validation item without removing it — the
// worker calls Complete or Fail once it has run the item.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	visible := sortedVisible(q.file.Items)
	if len(visible) == 0 {
		return nil, false
	}
	item := visible[0]
	return &item, true
}

func (q *Queue) indexOf(id string) int {
	for i, it := range q.file.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Complete removes the item and updates last_processed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	q.file.Items = append(q.file.Items[:idx], q.file.Items[idx+1:]...)
	now := idgen.NowMs()
	q.file.LastProcessed = &now
	if err := q.persistLocked(ctx); err != nil {
		return err
	}
	if q.log != nil {
		q.log.Info("queue: completed", map[string]any{"id": id})
	}
	return nil
}

// Fail increments attempts and stamps last_attempt; at MaxAttempts it
// removes the item and reports a dead-letter (payload logged only when
// debug is enabled).
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	item := &q.file.Items[idx]
	item.Attempts++
	now := idgen.NowMs()
	item.LastAttempt = &now

	if item.Attempts >= MaxAttempts {
		dead := q.file.Items[idx]
		q.file.Items = append(q.file.Items[:idx], q.file.Items[idx+1:]...)
		if err := q.persistLocked(ctx); err != nil {
			return err
		}
		errMsg := ""
		if cause != nil {
			errMsg = cause.Error()
		}
		if q.log != nil {
			fields := map[string]any{"id": dead.ID, "type": string(dead.Type), "attempts": dead.Attempts}
			if q.debug {
				fields["payload"] = dead.Payload
				fields["error"] = errMsg
			}
			q.log.Warn("queue: dead-lettered", fields)
		}
		if q.onDeadLetter != nil {
			q.onDeadLetter(DeadLetter{Item: dead, Err: errMsg, AtMs: now})
		}
		return nil
	}
	return q.persistLocked(ctx)
}

// DropWithoutAttempt removes an item without incrementing attempts — used
// for preempted fast-scans, which drop rather than count as failures.
func (q *Queue) DropWithoutAttempt(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return nil
	}
	q.file.Items = append(q.file.Items[:idx], q.file.Items[idx+1:]...)
	return q.persistLocked(ctx)
}

// GetPendingValidations returns all ei_validation items, for the daily
// ceremony.
func (q *Queue) GetPendingValidations() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.file.Items {
		if it.Type == TypeEIValidation {
			out = append(out, it)
		}
	}
	return out
}

// ClearValidations removes the given ei_validation item ids after the
// ceremony has applied their outcomes.
func (q *Queue) ClearValidations(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	kept := q.file.Items[:0:0]
	for _, it := range q.file.Items {
		if _, drop := want[it.ID]; drop {
			continue
		}
		kept = append(kept, it)
	}
	q.file.Items = kept
	return q.persistLocked(ctx)
}

// Len returns the total item count (including ei_validation), for status
// reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.file.Items)
}
