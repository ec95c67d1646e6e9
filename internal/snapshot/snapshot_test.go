package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

type noopAborter struct{ aborted []string }

func (n *noopAborter) AbortInFlight(persona string) { n.aborted = append(n.aborted, persona) }

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	mgr := New(store, reg, &noopAborter{})
	return mgr, reg, store
}

func TestCaptureUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, reg, store := newTestManager(t)

	h, err := history.Load(ctx, store, registry.PrimaryPersonaName)
	require.NoError(t, err)
	h.Append(history.Message{Role: history.RoleHuman, Content: "hello", TimestampMs: 1})
	require.NoError(t, history.Save(ctx, store, registry.PrimaryPersonaName, h, 1))

	require.NoError(t, mgr.CaptureSnapshot(ctx))

	require.NoError(t, reg.Add(registry.Persona{Name: "Bob"}))
	_, ok := reg.Get("Bob")
	require.True(t, ok)

	require.NoError(t, mgr.Undo(ctx, 1))

	_, ok = reg.Get("Bob")
	require.False(t, ok, "Bob should be gone after undo")

	h2, err := history.Load(ctx, store, registry.PrimaryPersonaName)
	require.NoError(t, err)
	require.Len(t, h2.Messages, 1)
	require.Equal(t, "hello", h2.Messages[0].Content)
}

func TestUndoWithEmptyRingErrors(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)
	err := mgr.Undo(ctx, 1)
	require.Error(t, err)
}

func TestUndoStepsBackN(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager(t)

	require.NoError(t, mgr.CaptureSnapshot(ctx)) // before adding Alice
	require.NoError(t, reg.Add(registry.Persona{Name: "Alice"}))

	require.NoError(t, mgr.CaptureSnapshot(ctx)) // before adding Bob
	require.NoError(t, reg.Add(registry.Persona{Name: "Bob"}))

	// Undo(2) should restore the state before Alice was added, skipping the
	// more recent snapshot (before Bob).
	require.NoError(t, mgr.Undo(ctx, 2))
	_, ok := reg.Get("Alice")
	require.False(t, ok)
	_, ok = reg.Get("Bob")
	require.False(t, ok)
}

func TestSaveAndLoadStateFromDisk(t *testing.T) {
	ctx := context.Background()
	mgr, reg, store := newTestManager(t)

	h, err := history.Load(ctx, store, registry.PrimaryPersonaName)
	require.NoError(t, err)
	h.Append(history.Message{Role: history.RoleHuman, Content: "before save", TimestampMs: 1})
	require.NoError(t, history.Save(ctx, store, registry.PrimaryPersonaName, h, 1))

	id, err := mgr.SaveStateToDisk(ctx, "checkpoint")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, reg.Add(registry.Persona{Name: "Carl"}))

	states, err := mgr.ListSavedStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "checkpoint", states[0].Name)

	require.NoError(t, mgr.LoadStateFromDisk(ctx, "checkpoint"))
	_, ok := reg.Get("Carl")
	require.False(t, ok, "Carl was added after the save and should be gone")

	// Loading captured the pre-load state too, so it's itself undoable.
	require.NoError(t, mgr.Undo(ctx, 1))
	_, ok = reg.Get("Carl")
	require.True(t, ok, "undoing the load should bring Carl back")
}

func TestDiskSavesPrunedAtLimit(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	for i := 0; i < diskLimit+3; i++ {
		_, err := mgr.SaveStateToDisk(ctx, "")
		require.NoError(t, err)
	}
	states, err := mgr.ListSavedStates(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(states), diskLimit)
}

func TestHumanEntityRoundTrips(t *testing.T) {
	ctx := context.Background()
	mgr, _, store := newTestManager(t)

	human := entity.Human{Facts: []entity.Fact{{Name: "Birthday", Description: "in May", Confidence: 0.9}}}
	require.NoError(t, mgr.saveHuman(ctx, &human))

	require.NoError(t, mgr.CaptureSnapshot(ctx))

	human.Facts[0].Confidence = 0.1
	require.NoError(t, mgr.saveHuman(ctx, &human))

	require.NoError(t, mgr.Undo(ctx, 1))

	reloaded, err := mgr.loadHuman(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.9, reloaded.Facts[0].Confidence)
	_ = store
}
