package history

import "testing"

func TestTrackerRecordAndRetrieve(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterEntity("Category")

	token, err := tracker.CurrentToken("Category")
	if err != nil {
		t.Fatalf("CurrentToken failed: %v", err)
	}

	entity, err := tracker.EntityFromToken(token)
	if err != nil {
		t.Fatalf("EntityFromToken failed: %v", err)
	}
	if entity != "Category" {
		t.Fatalf("expected entity Category, got %s", entity)
	}

	tracker.Record("Category", "a", "writer", []string{"categoryId", "categoryName"}, ChangeInserted)
	tracker.Record("Category", "a", "main", []string{"categoryName"}, ChangeUpdated)

	events, next, err := tracker.ChangesSince(token)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if next == token {
		t.Fatal("expected new token to differ from original token")
	}
	if events[0].Type != ChangeInserted || events[1].Type != ChangeUpdated {
		t.Fatalf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Context != "main" {
		t.Fatalf("expected context main, got %s", events[1].Context)
	}

	events, _, err = tracker.ChangesSince(next)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after latest token, got %d", len(events))
	}
}

func TestTrackerEventsAreCopies(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterEntity("Cart")
	token, _ := tracker.CurrentToken("Cart")
	tracker.Record("Cart", "c1", "writer", []string{"cartId"}, ChangeInserted)

	events, _, _ := tracker.ChangesSince(token)
	events[0].Changed[0] = "mutated"

	again, _, _ := tracker.ChangesSince(token)
	if again[0].Changed[0] != "cartId" {
		t.Fatalf("tracker state leaked through returned events: %v", again[0].Changed)
	}
}

func TestTrackerInvalidToken(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterEntity("Product")

	if _, _, err := tracker.ChangesSince("not-a-token"); err == nil {
		t.Fatal("expected error for invalid token")
	}
	if _, err := tracker.CurrentToken("Unknown"); err == nil {
		t.Fatal("expected error for unregistered entity")
	}
}
