package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"medchat/internal/chat"
	"medchat/internal/orchestrator"
	"medchat/internal/status"
)

func TestRenderer_PrintsEachMessageOnce(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, chat.RolePatient)
	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.Local)

	state := orchestrator.State{
		Connection: status.Connected,
		Active:     &chat.Conversation{ID: "7", CounterpartName: "Dr. Grey"},
		Timeline: []chat.Message{
			{ID: "1", Content: "hello", SenderRole: chat.RoleDoctor, Timestamp: at},
			{ID: "temp-1", CorrelationID: "c-1", Content: "hi there", SenderRole: chat.RolePatient, Timestamp: at, Pending: true},
		},
	}
	r.render(state)

	// The confirmed copy replaces the optimistic one; nothing new to print.
	state.Timeline[1] = chat.Message{ID: "2", CorrelationID: "c-1", Content: "hi there", SenderRole: chat.RolePatient, Timestamp: at}
	r.render(state)

	got := out.String()
	for _, want := range []string{"-- Connected", "== Dr. Grey", "[10:30] doctor: hello", "[10:30] you: hi there"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if n := strings.Count(got, "hi there"); n != 1 {
		t.Fatalf("expected the sent message once, got %d times:\n%s", n, got)
	}
}

func TestRenderer_FailuresAndErrors(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, chat.RoleDoctor)

	state := orchestrator.State{
		Connection: status.Error,
		Error:      "Message not sent: status 500",
		Active:     &chat.Conversation{ID: "3"},
		Timeline: []chat.Message{
			{ID: "temp-9", CorrelationID: "c-9", Content: "are you there", SenderRole: chat.RoleDoctor, Failed: true},
		},
	}
	r.render(state)
	r.render(state)

	got := out.String()
	if strings.Count(got, "!! not sent: are you there") != 1 {
		t.Fatalf("expected one failure line:\n%s", got)
	}
	if strings.Count(got, "!! Message not sent: status 500") != 1 {
		t.Fatalf("expected the error once:\n%s", got)
	}
	if !strings.Contains(got, "== conversation 3") {
		t.Fatalf("expected a fallback header:\n%s", got)
	}
}

func TestPrintConversations(t *testing.T) {
	var out bytes.Buffer
	printConversations(&out, nil)
	if !strings.Contains(out.String(), "No conversations yet.") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	printConversations(&out, []chat.Conversation{{ID: "4", CounterpartName: "ann", UnreadCount: 2, LastMessage: "thanks"}})
	if got := out.String(); !strings.Contains(got, "(2 unread)") || !strings.Contains(got, "thanks") {
		t.Fatalf("unexpected output %q", got)
	}
}
