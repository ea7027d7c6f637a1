// Package status maps the transport's connection flags onto the four states
// a status indicator can show.
package status

import "medchat/internal/transport"

type State int

const (
	Disconnected State = iota
	Connected
	Error
	Connecting
)

type Inputs struct {
	Connected  bool
	Connecting bool
	Err        error
}

// FromSnapshot reads the inputs off a transport snapshot.
func FromSnapshot(s transport.Snapshot) Inputs {
	return Inputs{Connected: s.Connected, Connecting: s.Connecting, Err: s.Err}
}

// Derive applies Connecting > Error > Connected > Disconnected.
func Derive(in Inputs) State {
	switch {
	case in.Connecting:
		return Connecting
	case in.Err != nil:
		return Error
	case in.Connected:
		return Connected
	}
	return Disconnected
}

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Error:
		return "error"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Label is the human-readable indicator text.
func (s State) Label() string {
	switch s {
	case Connecting:
		return "Connecting..."
	case Error:
		return "Connection error"
	case Connected:
		return "Connected"
	}
	return "Disconnected"
}
