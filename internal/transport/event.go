package transport

import (
	"encoding/json"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type EventKind int

const (
	// EventMessage carries one inbound JSON object, verbatim.
	EventMessage EventKind = iota + 1
	EventConnected
	// EventDisconnected carries the close code; 1000 for a manual disconnect.
	EventDisconnected
	// EventReconnecting announces a scheduled attempt and its delay.
	EventReconnecting
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one item of the manager's ordered event stream.
type Event struct {
	Kind    EventKind
	Frame   json.RawMessage
	Code    int
	Attempt int
	Delay   time.Duration
	Err     error
}

// Snapshot is a read-only view of the connection for status displays.
type Snapshot struct {
	State      State
	Connected  bool
	Connecting bool
	Err        error
	Attempt    int
}
