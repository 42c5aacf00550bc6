package asynctcp

import (
	"errors"

	"github.com/esphome/asynctcp/lwip"
)

var (
	// ErrNotConnected is returned by buffered writers when the connection is
	// not established.
	ErrNotConnected = errors.New("asynctcp: not connected")
	// ErrOutOfMemory is returned with a short count when a write queue has
	// reached its byte budget.
	ErrOutOfMemory = errors.New("asynctcp: write queue budget exhausted")
	// ErrConnectFailed is returned when a connect could not be started or did
	// not reach the established state.
	ErrConnectFailed = errors.New("asynctcp: connect failed")
	// ErrCoreLocked is returned when a blocking call could not take the core
	// lock before its context ended, which is what happens when it is made
	// from inside a connection callback.
	ErrCoreLocked = errors.New("asynctcp: core lock unavailable")
)

// ErrorToString returns the description of a stack error code.
func ErrorToString(err lwip.Err) string {
	return err.String()
}
