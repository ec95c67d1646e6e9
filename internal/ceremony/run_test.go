package ceremony

import (
	"context"
	"testing"
	"time"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/registry"
)

func TestRunIssuesBatchAndStampsDay(t *testing.T) {
	c, store := newTestCeremony(t, `{}`)
	ctx := context.Background()

	if _, err := c.q.Enqueue(ctx, queue.TypeEIValidation, queue.PriorityLow, map[string]any{
		"persona":        "ei",
		"target":         "human",
		"dataType":       "fact",
		"name":           "Birthday",
		"validationType": "data_confirm",
	}); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	now := time.Now()

	should, err := c.ShouldRun(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !should {
		t.Fatal("expected ceremony to be due before its first run")
	}

	msg, err := c.Run(ctx, reg, now)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if msg == "" {
		t.Fatal("expected a non-empty ceremony message")
	}

	// The batch is pending the user's reply and the day is stamped so the
	// ceremony fires at most once per calendar day.
	pending, err := c.AwaitingReply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("expected AwaitingReply after Run")
	}
	should, err = c.ShouldRun(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if should {
		t.Fatal("expected ShouldRun false after Run on the same day")
	}

	// The message was issued via the primary persona's history, marked
	// concept_processed so the ceremony's own words are never mined.
	h, err := history.Load(ctx, store, registry.PrimaryPersonaName)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Messages) != 1 || h.Messages[0].Role != history.RoleSystem || !h.Messages[0].ConceptProcessed {
		t.Fatalf("expected one concept_processed system message in ei history, got %+v", h.Messages)
	}
}

func TestRunWithNothingPendingStampsDayWithoutMessage(t *testing.T) {
	c, _ := newTestCeremony(t, `{}`)
	ctx := context.Background()

	now := time.Now()
	msg, err := c.Run(ctx, registry.New(), now)
	if err != nil {
		t.Fatal(err)
	}
	if msg != "" {
		t.Fatalf("expected no message with nothing pending, got %q", msg)
	}

	should, err := c.ShouldRun(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if should {
		t.Fatal("expected the empty run to still stamp the day")
	}
	pending, err := c.AwaitingReply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("expected no pending reply after an empty run")
	}
}
