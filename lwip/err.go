// Package lwip defines the raw TCP API contract that asynctcp is built on.
//
// The shapes mirror the lwIP raw API: a protocol control block (PCB) owned by
// exactly one user, single-shot callback registrations, and err_t style return
// codes. Implementations live in the simnet (deterministic, in-memory) and
// netstack (OS sockets or gVisor) packages.
//
// Contract every implementation honours:
//   - All callbacks run with the stack's core lock held, one at a time, and
//     events for one PCB are delivered in a single total order.
//   - Abort frees the PCB immediately and invokes the error callback with
//     ErrAbrt before returning, like tcp_abort.
//   - A callback returning ErrAbrt declares that the PCB was aborted inside
//     the callback. No further callback references that PCB. At most one
//     ErrAbrt reply is valid per PCB lifetime.
//   - Connection failures are delivered through the error callback; the PCB is
//     already freed when it runs.
//   - A nil pbuf passed to the receive callback means the peer sent FIN.
package lwip

import "fmt"

// Err is an lwIP err_t value. ErrOK is zero; every other value is negative.
type Err int8

const (
	ErrOK         Err = 0
	ErrMem        Err = -1
	ErrBuf        Err = -2
	ErrTimeout    Err = -3
	ErrRte        Err = -4
	ErrInProgress Err = -5
	ErrVal        Err = -6
	ErrWouldBlock Err = -7
	ErrUse        Err = -8
	ErrAlready    Err = -9
	ErrIsConn     Err = -10
	ErrConn       Err = -11
	ErrIf         Err = -12
	ErrAbrt       Err = -13
	ErrRst        Err = -14
	ErrClsd       Err = -15
	ErrArg        Err = -16

	// ErrDNSFailed is reserved outside the stack's own error space and is
	// synthesised by the client when a hostname cannot be resolved.
	ErrDNSFailed Err = -55
)

// Error implements the error interface so Err values can travel through
// ordinary Go error paths.
func (e Err) Error() string {
	return fmt.Sprintf("%s(%d)", e.String(), int8(e))
}

// String returns the human readable description of the code.
func (e Err) String() string {
	switch e {
	case ErrOK:
		return "No error, everything OK"
	case ErrMem:
		return "Out of memory error"
	case ErrBuf:
		return "Buffer error"
	case ErrTimeout:
		return "Timeout"
	case ErrRte:
		return "Routing problem"
	case ErrInProgress:
		return "Operation in progress"
	case ErrVal:
		return "Illegal value"
	case ErrWouldBlock:
		return "Operation would block"
	case ErrUse:
		return "Address in use"
	case ErrAlready:
		return "Already connecting"
	case ErrIsConn:
		return "Connection already established"
	case ErrConn:
		return "Not connected"
	case ErrIf:
		return "Low-level netif error"
	case ErrAbrt:
		return "Connection aborted"
	case ErrRst:
		return "Connection reset"
	case ErrClsd:
		return "Connection closed"
	case ErrArg:
		return "Illegal argument"
	case ErrDNSFailed:
		return "DNS failed"
	default:
		return "Unknown error"
	}
}

// IsFatal reports whether the code means the PCB is gone (aborted, reset or
// closed) as opposed to a transient condition.
func (e Err) IsFatal() bool {
	return e == ErrAbrt || e == ErrRst || e == ErrClsd
}
