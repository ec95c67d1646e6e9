// Package snapshot implements the undo/restore ring and named on-disk
// saves: a point-in-time copy of every persona record, the human entity,
// every persona entity, and every persona's history, restorable atomically.
// internal/storage gives per-document atomicity; this package generalizes
// it to "the whole in-scope state, captured and replaced as a unit."
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

const (
	// ringLimit bounds the in-memory undo ring to the 10 most recent
	// captures.
	ringLimit = 10
	// diskLimit is the max named on-disk saves retained.
	diskLimit = 10

	snapshotCollection = "snapshots"
	entityCollection   = "entities"
)

// Payload is the full copy of in-scope state at one instant.
type Payload struct {
	Registry  registry.Snap              `json:"registry"`
	Human     entity.Human               `json:"human"`
	Personas  map[string]entity.Persona  `json:"personas"`
	Histories map[string]history.History `json:"histories"`
}

// Snapshot is one captured point in time, optionally named for on-disk
// persistence.
type Snapshot struct {
	ID          string  `json:"id"`
	TimestampMs int64   `json:"timestampMs"`
	Name        string  `json:"name,omitempty"`
	Payload     Payload `json:"payload"`
}

// SchedulerAborter is the narrow Scheduler seam snapshot restore uses to
// cancel in-flight work on affected personas before their state is
// replaced.
type SchedulerAborter interface {
	AbortInFlight(persona string)
}

// Manager owns the in-memory undo ring and drives disk saves/restores.
type Manager struct {
	store *storage.Store
	reg   *registry.Registry
	sched SchedulerAborter

	ring []Snapshot // ring[0] is the most recently captured snapshot
}

// New constructs a Manager bound to its collaborators.
func New(store *storage.Store, reg *registry.Registry, sched SchedulerAborter) *Manager {
	return &Manager{store: store, reg: reg, sched: sched}
}

// capture builds a Payload from current in-memory/on-disk state without
// mutating anything.
func (m *Manager) capture(ctx context.Context) (Payload, error) {
	var p Payload
	p.Registry = m.reg.Snapshot()

	h, err := m.loadHuman(ctx)
	if err != nil {
		return p, err
	}
	p.Human = *h

	p.Personas = make(map[string]entity.Persona)
	p.Histories = make(map[string]history.History)
	for _, persona := range m.reg.All() {
		pe, err := m.loadPersonaEntity(ctx, persona.Name)
		if err != nil {
			return p, err
		}
		p.Personas[persona.Name] = *pe

		hist, err := history.Load(ctx, m.store, persona.Name)
		if err != nil {
			return p, err
		}
		p.Histories[persona.Name] = *hist
	}
	return p, nil
}

// CaptureSnapshot takes a snapshot and pushes it onto the front of the undo
// ring, trimming to ringLimit. Called before any state-mutating user
// action.
func (m *Manager) CaptureSnapshot(ctx context.Context) error {
	payload, err := m.capture(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: capture: %w", err)
	}
	snap := Snapshot{ID: idgen.NewSnapshotID(), TimestampMs: idgen.NowMs(), Payload: payload}
	m.ring = append([]Snapshot{snap}, m.ring...)
	if len(m.ring) > ringLimit {
		m.ring = m.ring[:ringLimit]
	}
	return nil
}

// RingLen reports how many undo steps are currently available.
func (m *Manager) RingLen() int {
	return len(m.ring)
}

// Undo implements "/undo [n]": pops the (n-1)th snapshot behind the top of
// the ring (n defaults to 1, meaning "undo the last action") and restores
// it, discarding everything above it in the ring.
func (m *Manager) Undo(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	if len(m.ring) < n {
		return fmt.Errorf("no undo history available")
	}
	target := m.ring[n-1]
	m.ring = m.ring[n:]
	return m.restore(ctx, target.Payload)
}

// restore replaces all in-scope state from payload, aborting any in-flight
// operation on every affected persona first: the in-memory registry is
// replaced, then entity and history documents are written.
func (m *Manager) restore(ctx context.Context, payload Payload) error {
	affected := make(map[string]struct{})
	for name := range payload.Personas {
		affected[name] = struct{}{}
	}
	for _, p := range m.reg.All() {
		affected[p.Name] = struct{}{}
	}
	if m.sched != nil {
		for name := range affected {
			m.sched.AbortInFlight(name)
		}
	}

	m.reg.Restore(payload.Registry)

	if err := m.saveHuman(ctx, &payload.Human); err != nil {
		return err
	}
	for name, pe := range payload.Personas {
		pe := pe
		if err := m.savePersonaEntity(ctx, name, &pe); err != nil {
			return err
		}
	}
	for name, hist := range payload.Histories {
		hist := hist
		if err := history.Save(ctx, m.store, name, &hist, idgen.NowMs()); err != nil {
			return err
		}
	}
	return nil
}

// SaveStateToDisk copies the current state to a named (or anonymous) disk
// slot, pruning the oldest entry when more than diskLimit are retained.
func (m *Manager) SaveStateToDisk(ctx context.Context, name string) (string, error) {
	payload, err := m.capture(ctx)
	if err != nil {
		return "", err
	}
	snap := Snapshot{ID: idgen.NewSnapshotID(), TimestampMs: idgen.NowMs(), Name: name, Payload: payload}
	if err := m.store.Write(ctx, snapshotCollection, snap.ID, snap, snap.TimestampMs); err != nil {
		return "", err
	}
	if err := m.pruneDisk(ctx); err != nil {
		return snap.ID, err
	}
	return snap.ID, nil
}

func (m *Manager) pruneDisk(ctx context.Context) error {
	all, err := m.listDiskMeta(ctx)
	if err != nil {
		return err
	}
	if len(all) <= diskLimit {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TimestampMs < all[j].TimestampMs })
	excess := len(all) - diskLimit
	for _, s := range all[:excess] {
		if err := m.store.Delete(ctx, snapshotCollection, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// listDiskMeta reads every saved snapshot (without needing the caller to
// know ids up front).
func (m *Manager) listDiskMeta(ctx context.Context) ([]Snapshot, error) {
	ids, err := m.store.ListIDs(ctx, snapshotCollection)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		var s Snapshot
		found, err := m.store.Read(ctx, snapshotCollection, id, &s)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, s)
		}
	}
	return out, nil
}

// SavedStateMeta is the metadata-only view returned by ListSavedStates.
type SavedStateMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// ListSavedStates returns metadata for every on-disk save, newest first.
func (m *Manager) ListSavedStates(ctx context.Context) ([]SavedStateMeta, error) {
	all, err := m.listDiskMeta(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TimestampMs > all[j].TimestampMs })
	out := make([]SavedStateMeta, 0, len(all))
	for _, s := range all {
		out = append(out, SavedStateMeta{ID: s.ID, Name: s.Name, TimestampMs: s.TimestampMs})
	}
	return out, nil
}

// LoadStateFromDisk captures the current state first (so the load itself is
// undoable), then replaces it with the saved state identified by id, a
// 1-based list position, or a name.
func (m *Manager) LoadStateFromDisk(ctx context.Context, idOrNumberOrName string) error {
	if err := m.CaptureSnapshot(ctx); err != nil {
		return err
	}
	all, err := m.listDiskMeta(ctx)
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TimestampMs > all[j].TimestampMs })

	target, ok := resolveSavedState(all, idOrNumberOrName)
	if !ok {
		return fmt.Errorf("snapshot: no saved state matching %q", idOrNumberOrName)
	}
	return m.restore(ctx, target.Payload)
}

func resolveSavedState(all []Snapshot, idOrNumberOrName string) (Snapshot, bool) {
	if n, err := parsePositiveInt(idOrNumberOrName); err == nil {
		if n >= 1 && n <= len(all) {
			return all[n-1], true
		}
		return Snapshot{}, false
	}
	for _, s := range all {
		if s.ID == idOrNumberOrName || s.Name == idOrNumberOrName {
			return s, true
		}
	}
	return Snapshot{}, false
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}

func (m *Manager) loadHuman(ctx context.Context) (*entity.Human, error) {
	var h entity.Human
	found, err := m.store.Read(ctx, entityCollection, "human", &h)
	if err != nil {
		return nil, err
	}
	if !found {
		h = entity.Human{}
	}
	return &h, nil
}

func (m *Manager) saveHuman(ctx context.Context, h *entity.Human) error {
	return m.store.Write(ctx, entityCollection, "human", h, idgen.NowMs())
}

func (m *Manager) loadPersonaEntity(ctx context.Context, persona string) (*entity.Persona, error) {
	var p entity.Persona
	found, err := m.store.Read(ctx, entityCollection, personaDocID(persona), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		p = entity.Persona{}
	}
	return &p, nil
}

func (m *Manager) savePersonaEntity(ctx context.Context, persona string, p *entity.Persona) error {
	return m.store.Write(ctx, entityCollection, personaDocID(persona), p, idgen.NowMs())
}

func personaDocID(persona string) string { return fmt.Sprintf("persona:%s", persona) }
