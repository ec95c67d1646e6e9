package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/idgen"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

func TestSwitchEnqueuesFastScanForOutgoingUnprocessedMessages(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "switch.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Add(registry.Persona{Name: "nova", GroupsVisible: []string{"default"}}))

	h, err := history.Load(ctx, store, "ei")
	require.NoError(t, err)
	h.Append(history.Message{Role: history.RoleHuman, Content: "tell me about dogs", TimestampMs: idgen.NowMs()})
	require.NoError(t, history.Save(ctx, store, "ei", h, idgen.NowMs()))

	gw := llmgateway.New(nil, nil, false)
	s := New(reg, store, q, gw, &noopWorker{}, nil, Callbacks{})

	require.NoError(t, s.Switch(ctx, "ei", "nova"))

	item, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, queue.TypeFastScan, item.Type)
	require.Equal(t, queue.PriorityHigh, item.Priority)
	require.Equal(t, "ei", item.Payload["persona"])
	require.Equal(t, "human", item.Payload["target"])
}

func TestSwitchMarksIncomingPersonaReadAndFocused(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "switch2.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Add(registry.Persona{Name: "nova", GroupsVisible: []string{"default"}}))

	h, err := history.Load(ctx, store, "nova")
	require.NoError(t, err)
	h.Append(history.Message{Role: history.RoleSystem, Content: "hello", TimestampMs: idgen.NowMs()})
	require.NoError(t, history.Save(ctx, store, "nova", h, idgen.NowMs()))

	gw := llmgateway.New(nil, nil, false)
	s := New(reg, store, q, gw, &noopWorker{}, nil, Callbacks{})
	s.runtime("nova").unreadCount = 3

	require.NoError(t, s.Switch(ctx, "", "nova"))

	require.Equal(t, 0, s.UnreadCount("nova"))

	updated, err := history.Load(ctx, store, "nova")
	require.NoError(t, err)
	for _, m := range updated.Messages {
		require.True(t, m.Read)
	}
}
