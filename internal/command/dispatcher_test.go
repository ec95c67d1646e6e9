package command

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/ceremony"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/scheduler"
	"github.com/flare576/ei/internal/snapshot"
	"github.com/flare576/ei/internal/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, context.Context) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	gw := llmgateway.New(nil, nil, false)
	reg := registry.New()
	require.NoError(t, reg.Add(registry.Persona{Name: "Aria"}))

	sched := scheduler.New(reg, store, q, gw, nil, nil, scheduler.Callbacks{})
	snap := snapshot.New(store, reg, sched)
	cer := ceremony.New(store, q, gw, nil, func(string, llmgateway.Operation) string { return "fake:test" })

	return &Dispatcher{Scheduler: sched, Registry: reg, Snapshots: snap, Ceremony: cer, Store: store}, ctx
}

func TestTokenizeQuotedArgs(t *testing.T) {
	name, args, err := Tokenize(`/clarify "my cat"`)
	require.NoError(t, err)
	require.Equal(t, "clarify", name)
	require.Equal(t, []string{"my cat"}, args)
}

func TestParsePauseDuration(t *testing.T) {
	ms, indef, err := ParsePauseDuration("1h30m")
	require.NoError(t, err)
	require.False(t, indef)
	require.EqualValues(t, 90*60*1000, ms)

	_, indef, err = ParsePauseDuration("indefinite")
	require.NoError(t, err)
	require.True(t, indef)

	_, _, err = ParsePauseDuration("bogus")
	require.Error(t, err)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	res, err := d.Dispatch(ctx, "Aria", "/pause 30m")
	require.NoError(t, err)
	require.Contains(t, res.Status, "paused")

	p, _ := d.Registry.Get("Aria")
	require.True(t, p.IsPaused)

	res, err = d.Dispatch(ctx, "Aria", "/resume")
	require.NoError(t, err)
	require.Contains(t, res.Status, "resumed")
	require.False(t, p.IsPaused)
}

func TestNickAddListRemove(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, "Aria", "/nick add Ari")
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, "Aria", "/nick list")
	require.NoError(t, err)
	require.Contains(t, res.Status, "Ari")

	_, err = d.Dispatch(ctx, "Aria", "/nick remove Ari")
	require.NoError(t, err)
	res, err = d.Dispatch(ctx, "Aria", "/nick list")
	require.NoError(t, err)
	require.NotContains(t, res.Status, "Ari")
}

func TestModelSetShowClear(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, "Aria", "/model set anthropic:claude-opus-4-5")
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, "Aria", "/model show")
	require.NoError(t, err)
	require.Contains(t, res.Status, "anthropic:claude-opus-4-5")

	_, err = d.Dispatch(ctx, "Aria", "/model clear")
	require.NoError(t, err)
	res, err = d.Dispatch(ctx, "Aria", "/model show")
	require.NoError(t, err)
	require.Contains(t, res.Status, "default")
}

func TestGroupAndGroupsCommands(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, "Aria", "/group Friends")
	require.NoError(t, err)
	res, err := d.Dispatch(ctx, "Aria", "/group show")
	require.NoError(t, err)
	require.Contains(t, res.Status, "Friends")

	_, err = d.Dispatch(ctx, "Aria", "/groups Work")
	require.NoError(t, err)
	res, err = d.Dispatch(ctx, "Aria", "/groups list")
	require.NoError(t, err)
	require.Contains(t, res.Status, "Work")

	_, err = d.Dispatch(ctx, "Aria", "/groups remove Work")
	require.NoError(t, err)
	res, err = d.Dispatch(ctx, "Aria", "/groups list")
	require.NoError(t, err)
	require.NotContains(t, res.Status, "Work")
}

func TestPrimaryPersonaGroupIsLocked(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, registry.PrimaryPersonaName, "/group Friends")
	require.Error(t, err)
}

func TestNewClearsContextWithSentinel(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	res, err := d.Dispatch(ctx, "Aria", "/new")
	require.NoError(t, err)
	require.Contains(t, res.Status, "cleared")
}

func TestUndoAfterNick(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, "Aria", "/nick add Ari")
	require.NoError(t, err)

	p, _ := d.Registry.Get("Aria")
	require.Contains(t, p.Aliases, "Ari")

	_, err = d.Dispatch(ctx, "Aria", "/undo")
	require.NoError(t, err)

	// Undo replaces the registry contents, so re-fetch the record.
	p, _ = d.Registry.Get("Aria")
	require.NotContains(t, p.Aliases, "Ari")
}

func TestSaveAndRestoreStateCommands(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	res, err := d.Dispatch(ctx, "Aria", "/saveState checkpoint")
	require.NoError(t, err)
	require.Contains(t, res.Status, "saved state")

	_, err = d.Dispatch(ctx, "Aria", "/nick add Ari")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "Aria", "/restoreState checkpoint")
	require.NoError(t, err)

	p, _ := d.Registry.Get("Aria")
	require.NotContains(t, p.Aliases, "Ari")
}

func TestQuitSetsFlag(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	_, err := d.Dispatch(ctx, "Aria", "/quit --force")
	require.NoError(t, err)
	require.True(t, d.Quit)
	require.True(t, d.QuitForce)
}

func TestClarifyWithNothingPending(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	res, err := d.Dispatch(ctx, "Aria", "/clarify")
	require.NoError(t, err)
	require.Equal(t, "nothing pending to clarify", res.Status)
}
