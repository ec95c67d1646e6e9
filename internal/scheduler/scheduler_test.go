package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

type fakeProvider struct {
	reply    string
	calls    int
	lastUser string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(_ context.Context, _ string, _ string, messages []llmgateway.Message) (string, error) {
	p.calls++
	if len(messages) > 0 {
		p.lastUser = messages[len(messages)-1].Content
	}
	return p.reply, nil
}

type noopWorker struct{ pauses, resumes int }

func (w *noopWorker) Pause()  { w.pauses++ }
func (w *noopWorker) Resume() { w.resumes++ }

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

func newTestScheduler(t *testing.T, provider *fakeProvider) (*Scheduler, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	gw := llmgateway.New(nil, map[string]string{"fake": "EI_FAKE_API_KEY"}, false)
	gw.Register(provider)

	reg := registry.New()
	w := &noopWorker{}
	s := New(reg, store, q, gw, w, nil, Callbacks{})
	s.modelSpecOverride = func(string, llmgateway.Operation) string { return "fake:test-model" }
	return s, store
}

func TestSubmitLongMessageBypassesDebounceAndProcessesImmediately(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, store := newTestScheduler(t, provider)
	ctx := context.Background()

	longText := strings.Repeat("a", CompleteThoughtLength)
	require.NoError(t, s.Submit(ctx, "ei", longText))

	require.Eventually(t, func() bool {
		h, err := history.Load(ctx, store, "ei")
		require.NoError(t, err)
		for _, m := range h.Messages {
			if m.Role == history.RoleSystem {
				return true
			}
		}
		return false
	}, testTimeout, testTick)

	require.GreaterOrEqual(t, provider.calls, 1)
}

func TestSubmitDuplicateWithinGuardWindowIsIgnored(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, store := newTestScheduler(t, provider)
	ctx := context.Background()

	shortText := "hi"
	require.NoError(t, s.Submit(ctx, "ei", shortText))
	require.NoError(t, s.Submit(ctx, "ei", shortText))

	h, err := history.Load(ctx, store, "ei")
	require.NoError(t, err)
	humanCount := 0
	for _, m := range h.Messages {
		if m.Role == history.RoleHuman {
			humanCount++
		}
	}
	require.Equal(t, 1, humanCount)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.runtime("ei").messageQueue, 1)
}

func TestSubmitWhilePausedQueuesWithoutProcessing(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, _ := newTestScheduler(t, provider)
	ctx := context.Background()

	s.Pause("ei", nil)
	require.NoError(t, s.Submit(ctx, "ei", strings.Repeat("a", CompleteThoughtLength)))

	s.mu.Lock()
	rt := s.runtime("ei")
	paused := rt.isPaused
	processing := rt.isProcessing
	s.mu.Unlock()

	require.True(t, paused)
	require.False(t, processing)
	require.Equal(t, 0, provider.calls)
}

func TestPauseThenResumeReArmsHeartbeat(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, _ := newTestScheduler(t, provider)

	s.Pause("ei", nil)
	s.mu.Lock()
	require.True(t, s.runtime("ei").isPaused)
	require.Nil(t, s.runtime("ei").heartbeatTimer)
	s.mu.Unlock()

	s.Resume("ei")
	s.mu.Lock()
	defer s.mu.Unlock()
	require.False(t, s.runtime("ei").isPaused)
	require.NotNil(t, s.runtime("ei").heartbeatTimer)
}

func TestResumeCoalescesAndProcessesQueuedMessages(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, store := newTestScheduler(t, provider)
	ctx := context.Background()

	s.Pause("ei", nil)
	require.NoError(t, s.Submit(ctx, "ei", "A"))
	require.NoError(t, s.Submit(ctx, "ei", "B"))
	require.Equal(t, 0, provider.calls)

	h, err := history.Load(ctx, store, "ei")
	require.NoError(t, err)
	for _, m := range h.Messages {
		require.Equal(t, history.StateQueued, m.State)
	}

	s.Resume("ei")

	require.Eventually(t, func() bool { return provider.calls == 1 }, testTimeout, testTick)
	require.Equal(t, "A\nB", provider.lastUser)
}

func TestArchiveAbortsInFlightAndClearsTimers(t *testing.T) {
	provider := &fakeProvider{reply: "got it"}
	s, _ := newTestScheduler(t, provider)
	ctx := context.Background()

	s.mu.Lock()
	rt := s.runtime("ei")
	cancelled := false
	rt.cancelInFlight = func() { cancelled = true }
	s.mu.Unlock()

	require.NoError(t, s.Archive(ctx, "ei"))
	require.True(t, cancelled)

	p, ok := s.reg.Get("ei")
	require.True(t, ok)
	require.True(t, p.IsArchived)
}
