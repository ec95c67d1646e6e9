package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

func TestApplyDecayAndComputeGapAppliesStepAndReturnsMaxGap(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "heartbeat.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := idgen.NowMs()
	sixDaysAgo := now - int64(6*24*3600*1000)

	doc := entity.Persona{Topics: []entity.Topic{
		{Name: "Music", LevelCurrent: 0.1, LevelIdeal: 0.9, LastUpdatedMs: sixDaysAgo},
	}}
	require.NoError(t, store.Write(ctx, "entities", "persona:nova", doc, now))

	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)
	gw := llmgateway.New(nil, nil, false)
	reg := registry.New()
	s := New(reg, store, q, gw, &noopWorker{}, nil, Callbacks{})

	gap := s.applyDecayAndComputeGap(ctx, "nova", now)
	require.Greater(t, gap, 0.0)

	var updated entity.Persona
	found, err := store.Read(ctx, "entities", "persona:nova", &updated)
	require.NoError(t, err)
	require.True(t, found)
	require.Greater(t, updated.Topics[0].LevelCurrent, 0.1)
}

func TestEIHeartbeatGathersThreeContextLists(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "eihb.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := idgen.NowMs()

	require.NoError(t, store.Write(ctx, "entities", "persona:ei", entity.Persona{Topics: []entity.Topic{
		{Name: "Painting", LevelCurrent: 0.1, LevelIdeal: 0.9, LastUpdatedMs: now},
		{Name: "Chess", LevelCurrent: 0.5, LevelIdeal: 0.55, LastUpdatedMs: now},
	}}, now))
	require.NoError(t, store.Write(ctx, "entities", "human", entity.Human{
		Topics: []entity.Topic{{Name: "Hiking", LevelCurrent: 0.2, LevelIdeal: 0.8, LastUpdatedMs: now}},
		People: []entity.Person{{Name: "Alex", LevelCurrent: 0.1, LevelIdeal: 0.6, LastUpdatedMs: now}},
	}, now))

	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	provider := &fakeProvider{reply: "maybe reach out to nova about painting"}
	gw := llmgateway.New(nil, map[string]string{"fake": "EI_FAKE_API_KEY"}, false)
	gw.Register(provider)

	reg := registry.New()
	require.NoError(t, reg.Add(registry.Persona{Name: "nova"}))

	s := New(reg, store, q, gw, &noopWorker{}, nil, Callbacks{})
	s.modelSpecOverride = func(string, llmgateway.Operation) string { return "fake:test-model" }

	s.eiHeartbeatSpecialization(ctx, now)

	require.Equal(t, 1, provider.calls)
	require.Contains(t, provider.lastUser, "Painting")
	require.NotContains(t, provider.lastUser, "Chess")
	require.Contains(t, provider.lastUser, "Hiking")
	require.Contains(t, provider.lastUser, "Alex")
	require.Contains(t, provider.lastUser, "nova")

	// The reply mentioned nova, so its inactivity ping is stamped.
	nova, ok := reg.Get("nova")
	require.True(t, ok)
	require.NotNil(t, nova.LastInactivityPing)
}

func TestSelfInitiateAppendsSystemMessageAndIncrementsUnread(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "selfinit.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	provider := &fakeProvider{reply: "thinking of you"}
	gw := llmgateway.New(nil, map[string]string{"fake": "EI_FAKE_API_KEY"}, false)
	gw.Register(provider)

	reg := registry.New()
	s := New(reg, store, q, gw, &noopWorker{}, nil, Callbacks{})
	s.modelSpecOverride = func(string, llmgateway.Operation) string { return "fake:test-model" }
	s.Focus("someone-else")

	h, err := history.Load(ctx, store, "ei")
	require.NoError(t, err)
	now := idgen.NowMs()
	s.selfInitiate(ctx, "ei", h, now)

	require.Equal(t, 1, provider.calls)
	require.Equal(t, 1, s.UnreadCount("ei"))
}
