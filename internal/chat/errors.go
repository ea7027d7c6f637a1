package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing means no session token was available. It is a
	// precondition failure: the user has to log in again.
	ErrAuthMissing = errors.New("session token missing")

	ErrNotConnected       = errors.New("transport not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMalformedFrame     = errors.New("malformed frame")
)

// TransportError is a connection-level failure. Code carries the websocket
// close code when there was one.
type TransportError struct {
	Op   string
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport %s (close %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FetchError is a failed read against the REST collaborator.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubmitError is a rejected durable write.
type SubmitError struct {
	Status int
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("submit message: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("submit message: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
