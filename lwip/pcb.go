package lwip

import (
	"net/netip"
	"time"
)

// WriteFlag is passed to PCB.Write.
type WriteFlag uint8

const (
	// WriteFlagCopy asks the stack to copy the data before returning.
	WriteFlagCopy WriteFlag = 0x01
	// WriteFlagMore hints that more data follows (PSH is not set).
	WriteFlagMore WriteFlag = 0x02
)

// Callback signatures. Functions returning Err hand their result back to the
// stack; see the package documentation for the ErrAbrt rule.
type (
	RecvFunc      func(p *Pbuf, err Err) Err
	SentFunc      func(n uint16) Err
	ErrFunc       func(err Err)
	PollFunc      func() Err
	ConnectedFunc func(err Err) Err
	AcceptFunc    func(pcb PCB, err Err) Err
	DNSFoundFunc  func(host string, addr netip.Addr, ok bool)
)

// PCB is a TCP protocol control block. Methods must be called with the core
// lock held and never after the PCB has been closed, aborted or reported
// through the error callback.
type PCB interface {
	State() State
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort

	Bind(addr netip.Addr, port uint16) Err
	// Listen turns a bound PCB into a listening one.
	Listen() Err
	// Connect starts an active open. connected runs once the handshake
	// completes; failures go to the error callback instead.
	Connect(addr netip.Addr, port uint16, connected ConnectedFunc) Err

	// Write enqueues data without sending it. It fails with ErrMem when
	// len(data) exceeds SndBuf.
	Write(data []byte, flags WriteFlag) Err
	// Output pushes enqueued data onto the wire.
	Output() Err
	// Recved opens the receive window by n bytes.
	Recved(n int)
	SndBuf() int
	MSS() int
	SetNoDelay(on bool)
	NoDelay() bool

	// Close starts a graceful close. On ErrOK the PCB is released to the stack.
	Close() Err
	// Abort sends RST and frees the PCB, invoking the error callback with ErrAbrt.
	Abort()

	OnRecv(fn RecvFunc)
	OnSent(fn SentFunc)
	OnErr(fn ErrFunc)
	// OnPoll registers fn to run every interval poll ticks.
	OnPoll(fn PollFunc, interval uint8)
	OnAccept(fn AcceptFunc)
}

// SecurePCB is implemented by PCBs that can run a TLS session on top of the
// TCP connection. Once the handshake is done the PCB encrypts writes and
// delivers decrypted data through the ordinary receive callback.
type SecurePCB interface {
	PCB
	// StartHandshake begins a client or server handshake. Exactly one of done
	// or fail runs later, under the core lock.
	StartHandshake(server bool, done func(), fail func(err Err)) Err
	HandshakeDone() bool
	// FreeSecure drops the TLS session state without touching the PCB.
	FreeSecure()
}

// Stack is the network stack a client or server runs on.
type Stack interface {
	// NewPCB allocates a control block. It returns nil when the stack is out
	// of PCBs.
	NewPCB() PCB
	// Resolve returns ErrOK with the address when it is known, ErrInProgress
	// when found will be called later, or another error on failure.
	Resolve(host string, found DNSFoundFunc) (netip.Addr, Err)
	// Now is the stack clock used for timeouts.
	Now() time.Time

	// Lock, TryLock and Unlock guard the core. Callbacks already hold it.
	Lock()
	TryLock() bool
	Unlock()
	// Yield lets the stack make progress. It is called by spin-waiters
	// without the core lock held.
	Yield()
}

// Gate reports whether a scarce resource (for example the only TLS context)
// is in use. Servers queue inbound sockets while it is busy.
type Gate interface {
	Busy() bool
}
