package chat

import (
	"testing"
	"time"
)

func at(min int) time.Time {
	return time.Date(2024, 1, 1, 10, min, 0, 0, time.UTC)
}

func TestInsertOrdered(t *testing.T) {
	var tl []Message
	tl = InsertOrdered(tl, Message{ID: "b", Timestamp: at(2)})
	tl = InsertOrdered(tl, Message{ID: "a", Timestamp: at(1)})
	tl = InsertOrdered(tl, Message{ID: "c", Timestamp: at(3)})
	tl = InsertOrdered(tl, Message{ID: "b2", Timestamp: at(2)})

	want := []string{"a", "b", "b2", "c"}
	if len(tl) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(tl))
	}
	for i, id := range want {
		if tl[i].ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, tl[i].ID)
		}
	}
}

func TestSameMessageAndPrefer(t *testing.T) {
	placeholder := Message{ID: NewPlaceholderID(), CorrelationID: "x", Pending: true}
	confirmed := Message{ID: "m7", CorrelationID: "x"}
	relay := Message{ID: NewPlaceholderID(), CorrelationID: "y"}

	if !SameMessage(placeholder, confirmed) {
		t.Fatal("expected correlation id match")
	}
	if SameMessage(placeholder, relay) {
		t.Fatal("different correlation ids must not match")
	}
	if SameMessage(Message{ID: NewPlaceholderID()}, Message{ID: NewPlaceholderID()}) {
		t.Fatal("placeholders without correlation must not match")
	}
	if !SameMessage(Message{ID: "m1"}, Message{ID: "m1"}) {
		t.Fatal("expected server id match")
	}

	got := Prefer(placeholder, confirmed)
	if got.ID != "m7" || got.Pending {
		t.Fatalf("expected confirmed record to win, got %+v", got)
	}
	if got := Prefer(confirmed, placeholder); got.ID != "m7" {
		t.Fatalf("expected existing confirmed record to stay, got %+v", got)
	}
}

func TestPlaceholderIDs(t *testing.T) {
	id := NewPlaceholderID()
	if !IsPlaceholderID(id) {
		t.Fatalf("expected %s to be a placeholder", id)
	}
	if IsPlaceholderID("42") {
		t.Fatal("server id reported as placeholder")
	}
}
