package main

import (
	"fmt"
	"io"
	"strings"

	"medchat/internal/chat"
	"medchat/internal/orchestrator"
	"medchat/internal/status"
	"medchat/internal/transport"
)

func statusLine(s transport.Snapshot) string {
	line := status.Derive(status.FromSnapshot(s)).Label()
	if s.Err != nil {
		line += ": " + s.Err.Error()
	}
	return line
}

// renderer prints the parts of the view state that changed since the last
// call. A message is printed once, when it is first seen, and once more if it
// later fails.
type renderer struct {
	out     io.Writer
	self    chat.Role
	active  string
	conn    status.State
	errMsg  string
	printed map[string]bool
	failed  map[string]bool
}

func newRenderer(out io.Writer, self chat.Role) *renderer {
	return &renderer{
		out:     out,
		self:    self,
		conn:    -1,
		printed: make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

func messageKey(m chat.Message) string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

func (r *renderer) render(s orchestrator.State) {
	if s.Connection != r.conn {
		r.conn = s.Connection
		fmt.Fprintf(r.out, "-- %s\n", s.Connection.Label())
	}
	if s.Error != "" && s.Error != r.errMsg {
		fmt.Fprintf(r.out, "!! %s\n", s.Error)
	}
	r.errMsg = s.Error

	if s.Active == nil {
		return
	}
	if s.Active.ID != r.active {
		r.active = s.Active.ID
		name := s.Active.CounterpartName
		if name == "" {
			name = "conversation " + s.Active.ID
		}
		fmt.Fprintf(r.out, "== %s\n", name)
	}
	if s.LoadingHistory {
		return
	}

	for _, m := range s.Timeline {
		key := messageKey(m)
		if !r.printed[key] {
			r.printed[key] = true
			fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), r.speaker(m), m.Content)
		}
		if m.Failed && !r.failed[key] {
			r.failed[key] = true
			fmt.Fprintf(r.out, "!! not sent: %s\n", m.Content)
		}
	}
}

func (r *renderer) speaker(m chat.Message) string {
	if m.SenderRole == r.self {
		return "you"
	}
	if m.SenderRole == "" {
		return "?"
	}
	return string(m.SenderRole)
}

func printConversations(out io.Writer, convs []chat.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	for _, c := range convs {
		var b strings.Builder
		fmt.Fprintf(&b, "%4s  %-20s", c.ID, c.CounterpartName)
		if c.UnreadCount > 0 {
			fmt.Fprintf(&b, " (%d unread)", c.UnreadCount)
		}
		if c.LastMessage != "" {
			fmt.Fprintf(&b, "  %s", c.LastMessage)
		}
		fmt.Fprintln(out, b.String())
	}
}
