package ceremony

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flare576/ei/internal/entity"
	"github.com/flare576/ei/internal/llmgateway"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
	"github.com/flare576/ei/internal/storage"
)

// scriptedProvider returns a canned JSON body for any call, standing in for
// the reply-parsing LLM call.
type scriptedProvider struct {
	body string
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Generate(_ context.Context, _ string, _ string, _ []llmgateway.Message) (string, error) {
	return p.body, nil
}

func newTestCeremony(t *testing.T, body string) (*Ceremony, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "ceremony.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	q, err := queue.New(ctx, store, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	gw := llmgateway.New(nil, map[string]string{"fake": "EI_FAKE_API_KEY"}, false)
	gw.Register(&scriptedProvider{body: body})

	modelSpec := func(string, llmgateway.Operation) string { return "fake:test-model" }
	return New(store, q, gw, nil, modelSpec), store
}

// A Birthday fact confirmed, a May fact left unclear (stays pending), and
// a Pip person reclassified as roleplay for a named group.
func TestApplyReplyConfirmRejectRoleplay(t *testing.T) {
	body := `{"confirmed":["Birthday"],"corrected":[],"rejected":[],"roleplay":[{"name":"Pip","group":"Campaign X"}],"unclear":["May"]}`
	c, store := newTestCeremony(t, body)
	ctx := context.Background()

	if err := saveHuman(ctx, store, &entity.Human{
		Facts:  []entity.Fact{{Name: "Birthday", Confidence: 0.3}, {Name: "May", Confidence: 0.2}},
		People: []entity.Person{{Name: "Pip", Relationship: "pet"}},
	}); err != nil {
		t.Fatal(err)
	}

	st := &state{PendingBatch: []BatchItem{
		{QueueItemID: "q1", Target: "human", DataType: "fact", Name: "Birthday", FromQueue: true},
		{QueueItemID: "q2", Target: "human", DataType: "fact", Name: "May", FromQueue: true},
		{QueueItemID: "q3", Target: "human", DataType: "person", Name: "Pip", FromQueue: true},
	}}
	if err := c.saveState(ctx, st); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	if err := c.ApplyReply(ctx, reg, registry.PrimaryPersonaName, "Birthday is correct; Pip was roleplay for Campaign X"); err != nil {
		t.Fatalf("ApplyReply failed: %v", err)
	}

	h, err := loadHuman(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if idx := h.FindFact("Birthday"); idx < 0 || h.Facts[idx].Confidence != 1.0 {
		t.Fatalf("expected Birthday confidence bumped to 1.0, got %+v", h.Facts)
	}
	if idx := h.FindPerson("Pip"); idx < 0 || len(h.People[idx].PersonaGroups) != 1 || h.People[idx].PersonaGroups[0] != "Campaign X" {
		t.Fatalf("expected Pip tagged with persona_groups={Campaign X}, got %+v", h.People)
	}

	after, err := c.loadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.PendingBatch) != 1 || after.PendingBatch[0].Name != "May" {
		t.Fatalf("expected May to remain pending, got %+v", after.PendingBatch)
	}
}

func TestConfirmClosesLevelGapForTopicsWithoutConfidenceField(t *testing.T) {
	c, store := newTestCeremony(t, `{}`)
	ctx := context.Background()

	if err := saveHuman(ctx, store, &entity.Human{
		Topics: []entity.Topic{{Name: "Hiking", LevelCurrent: 0.1, LevelIdeal: 0.8}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.confirm(ctx, BatchItem{Target: "human", DataType: "topic", Name: "Hiking"}); err != nil {
		t.Fatal(err)
	}

	h, err := loadHuman(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	idx := h.FindTopic("Hiking")
	if idx < 0 || h.Topics[idx].LevelCurrent != h.Topics[idx].LevelIdeal {
		t.Fatalf("expected level_current to close to level_ideal, got %+v", h.Topics)
	}
}

func TestRejectDeletesRow(t *testing.T) {
	c, store := newTestCeremony(t, `{}`)
	ctx := context.Background()

	if err := saveHuman(ctx, store, &entity.Human{
		Facts: []entity.Fact{{Name: "Birthday"}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.reject(ctx, BatchItem{Target: "human", DataType: "fact", Name: "Birthday"}); err != nil {
		t.Fatal(err)
	}

	h, err := loadHuman(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if h.FindFact("Birthday") >= 0 {
		t.Fatal("expected Birthday fact to be deleted")
	}
}

func TestRoleplaySetsPersonaGroupsReplacingNotUnioning(t *testing.T) {
	c, store := newTestCeremony(t, `{}`)
	ctx := context.Background()

	if err := saveHuman(ctx, store, &entity.Human{
		People: []entity.Person{{Name: "Pip", PersonaGroups: []string{"stale-group"}}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.roleplay(ctx, BatchItem{Target: "human", DataType: "person", Name: "Pip"}, "Campaign X"); err != nil {
		t.Fatal(err)
	}

	h, err := loadHuman(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	idx := h.FindPerson("Pip")
	if idx < 0 || len(h.People[idx].PersonaGroups) != 1 || h.People[idx].PersonaGroups[0] != "Campaign X" {
		t.Fatalf("expected persona_groups replaced with {Campaign X}, got %+v", h.People[idx].PersonaGroups)
	}
}

func TestBuildMessageMentionsEveryItem(t *testing.T) {
	msg := BuildMessage([]BatchItem{{Name: "Birthday", DataType: "fact"}})
	if !strings.Contains(msg, "Birthday") {
		t.Fatalf("expected message to mention Birthday, got %q", msg)
	}
}
