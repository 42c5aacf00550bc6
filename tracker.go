package asynctcp

import (
	"github.com/esphome/asynctcp/lwip"
)

// ErrorEvent identifies what first drove a connection into a terminal state.
type ErrorEvent int

const (
	eventNone ErrorEvent = iota
	eventAborted
	eventErrorCB
	eventConnectedCB
	eventRecvCB
	eventAcceptCB
	eventMax
)

// String returns a short name for logs and metric labels.
func (e ErrorEvent) String() string {
	switch e {
	case eventNone:
		return "none"
	case eventAborted:
		return "aborted"
	case eventErrorCB:
		return "error_cb"
	case eventConnectedCB:
		return "connected_cb"
	case eventRecvCB:
		return "recv_cb"
	case eventAcceptCB:
		return "accept_cb"
	default:
		return "unknown"
	}
}

// errorTracker records the terminal close error of one connection and makes
// sure ErrAbrt is handed back to the stack only once.
//
// Every stack callback takes its own reference to the tracker before running
// client code, so the answer stays available even when the client detached
// itself (or was released by the application) halfway through the callback.
type errorTracker struct {
	client     *Client
	closeError lwip.Err
	errored    ErrorEvent

	// onEvent is called on every setErrored, even when the kind was already
	// recorded. Servers use it to count error events.
	onEvent func(ErrorEvent)
}

func newErrorTracker(c *Client) *errorTracker {
	return &errorTracker{client: c}
}

// setCloseError records e unless an error event was already flagged.
func (t *errorTracker) setCloseError(e lwip.Err) {
	if t.errored == eventNone {
		t.closeError = e
	}
}

// setErrored records the first error event; later calls do not change it.
func (t *errorTracker) setErrored(ev ErrorEvent) {
	if t.errored == eventNone {
		t.errored = ev
	}
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

// callbackCloseError is the value a callback returns to the stack. ErrAbrt is
// reported once; after that every call returns ErrOK.
func (t *errorTracker) callbackCloseError() lwip.Err {
	if t.errored != eventNone {
		return lwip.ErrOK
	}
	if t.closeError == lwip.ErrAbrt {
		t.setErrored(eventAborted)
	}
	return t.closeError
}

func (t *errorTracker) hasClient() bool {
	return t.client != nil
}

func (t *errorTracker) detach() {
	t.client = nil
}
