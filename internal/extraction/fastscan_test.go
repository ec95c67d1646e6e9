package extraction

import "testing"

func TestDropKnownPersonaNamesIsCaseInsensitive(t *testing.T) {
	items := []newItem{
		{Name: "Pip", Type: DataTypePerson},
		{Name: "NOVA", Type: DataTypePerson},
		{Name: "Marbles", Type: DataTypePerson},
	}
	out := dropKnownPersonaNames(items, []string{"nova", "ei"})
	if len(out) != 2 {
		t.Fatalf("expected 2 items to survive, got %d: %+v", len(out), out)
	}
	for _, it := range out {
		if it.Name == "NOVA" {
			t.Fatal("known persona name should have been dropped")
		}
	}
}

func TestDropTypesForSystemTarget(t *testing.T) {
	items := []mentionedItem{
		{Name: "Birthday", Type: DataTypeFact},
		{Name: "Hiking", Type: DataTypeTopic},
		{Name: "Alex", Type: DataTypePerson},
	}
	out := dropTypes(items, DataTypeFact, DataTypePerson, DataTypeTrait)
	if len(out) != 1 || out[0].Type != DataTypeTopic {
		t.Fatalf("expected only the topic to survive, got %+v", out)
	}
}

func TestDropNewItemTypesForSystemTarget(t *testing.T) {
	items := []newItem{
		{Name: "Pip", Type: DataTypePerson},
		{Name: "Sailing", Type: DataTypeTrait},
		{Name: "Hiking", Type: DataTypeTopic},
	}
	out := dropNewItemTypes(items, DataTypeFact, DataTypePerson, DataTypeTrait)
	if len(out) != 1 || out[0].Type != DataTypeTopic {
		t.Fatalf("expected only the topic to survive, got %+v", out)
	}
}
