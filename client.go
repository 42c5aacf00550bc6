// Package asynctcp implements callback driven TCP clients and servers on top
// of a raw, lwIP style stack (see the lwip package).
//
// The stack delivers events (connected, data received, data acknowledged,
// error, poll tick) to a Client through single-shot callbacks. The Client
// normalises them into its own callback set and uses an error tracker to
// decide what to hand back to the stack, so that ErrAbrt is reported at most
// once per control block and no call ever reaches a control block after it
// was freed.
//
// Concurrency model:
//   - Every Client, Server and buffer method must run with the stack's core
//     lock held. Callbacks already hold it; other goroutines wrap calls in Do.
//   - Nothing here blocks. SyncClient and the Flush methods wait by yielding
//     to the stack and must not be called from a callback of the connection
//     they wait on.
package asynctcp

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
	"github.com/esphome/asynctcp/metrics"
)

const (
	// DefaultAckTimeout is how long a send may stay unacknowledged before the
	// timeout callback fires.
	DefaultAckTimeout = 5000 * time.Millisecond
	// handshakeTimeout bounds a TLS handshake, measured from the last activity.
	handshakeTimeout = 2 * time.Second
	// secureOverhead is held back from the send buffer for TLS record framing.
	secureOverhead = 128
)

// Callback types. The closure captures whatever context the application needs.
type (
	ConnHandler    func(c *Client)
	AckHandler     func(c *Client, n int, elapsed time.Duration)
	ErrorHandler   func(c *Client, err lwip.Err)
	DataHandler    func(c *Client, data []byte)
	PacketHandler  func(c *Client, p *lwip.Pbuf)
	TimeoutHandler func(c *Client, elapsed time.Duration)
)

// ClientConfig holds per-connection settings.
type ClientConfig struct {
	// AckTimeout fires OnTimeout when a send is not fully acknowledged in
	// time. Zero disables it.
	AckTimeout time.Duration
	// RxTimeout closes the connection after this many seconds without
	// activity. Zero disables it.
	RxTimeout uint32
	// NoDelay disables Nagle's algorithm.
	NoDelay bool
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultClientConfig returns the defaults used by NewClient(stack, nil).
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		AckTimeout: DefaultAckTimeout,
	}
}

// Client owns one TCP endpoint. The zero value is not usable; create clients
// with NewClient or receive them from a Server.
type Client struct {
	stack   lwip.Stack
	pcb     lwip.PCB
	tracker *errorTracker
	id      uuid.UUID
	role    string
	metrics *metrics.Metrics

	// Application callbacks
	connectCB ConnHandler
	discardCB ConnHandler
	sentCB    AckHandler
	errorCB   ErrorHandler
	recvCB    DataHandler
	pbCB      PacketHandler
	timeoutCB TimeoutHandler
	pollCB    ConnHandler

	// Send side
	pcbBusy   bool
	sentAt    time.Time
	txUnacked int
	txAcked   int
	txUnsent  int

	// Receive side
	rxAckLen     int
	rxLastPacket time.Time
	recvFlags    uint8
	ackPCB       bool

	// Timeouts
	ackTimeout time.Duration
	rxTimeout  uint32

	closePCB    bool
	connectPort uint16
	resolving   bool
	noDelay     bool

	// Secure transport
	secure        bool
	handshakeDone bool

	opened   bool
	released bool
	// finishHooks run once when the control block goes away, before the
	// application's disconnect callback.
	finishHooks []func()
}

// NewClient creates an unconnected client on stack. A nil cfg uses
// DefaultClientConfig.
func NewClient(stack lwip.Stack, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	c := &Client{
		stack:         stack,
		id:            uuid.New(),
		role:          "client",
		metrics:       cfg.Metrics,
		ackPCB:        true,
		ackTimeout:    cfg.AckTimeout,
		rxTimeout:     cfg.RxTimeout,
		noDelay:       cfg.NoDelay,
		handshakeDone: true,
	}
	c.tracker = newErrorTracker(c)
	return c
}

// newAcceptedClient wraps a PCB handed over by a listener.
func newAcceptedClient(stack lwip.Stack, pcb lwip.PCB, cfg *ClientConfig, secure bool) *Client {
	c := NewClient(stack, cfg)
	c.role = "server"
	c.pcb = pcb
	c.rxLastPacket = stack.Now()
	c.attach(pcb)
	c.open()
	if secure {
		c.secure = true
		c.handshakeDone = false
	}
	return c
}

// ID identifies the connection in logs and registries.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// String names the client for logs.
func (c *Client) String() string {
	return "client " + c.id.String()[:8]
}

// Connect starts an active open to addr:port. It returns false if the client
// already has a control block, the stack cannot allocate one, or the stack
// refuses the connect. The outcome arrives through OnConnect or OnError.
func (c *Client) Connect(addr netip.Addr, port uint16) bool {
	return c.connect(addr, port, false)
}

// ConnectSecure is Connect followed by a TLS client handshake. OnConnect
// fires once the handshake is done.
func (c *Client) ConnectSecure(addr netip.Addr, port uint16) bool {
	return c.connect(addr, port, true)
}

// ConnectHost resolves host and connects to it. Like Connect it returns false
// while the client has a control block or a lookup is pending. A failed lookup
// calls the error callback with lwip.ErrDNSFailed and then the disconnect
// callback.
func (c *Client) ConnectHost(host string, port uint16) bool {
	return c.connectHost(host, port, false)
}

// ConnectHostSecure is ConnectHost with TLS.
func (c *Client) ConnectHostSecure(host string, port uint16) bool {
	return c.connectHost(host, port, true)
}

func (c *Client) connect(addr netip.Addr, port uint16, secure bool) bool {
	if c.pcb != nil {
		return false
	}
	pcb := c.stack.NewPCB()
	if pcb == nil {
		log.Warn().Str("id", c.shortID()).Msg("could not allocate control block")
		return false
	}
	if secure {
		if _, ok := pcb.(lwip.SecurePCB); !ok {
			log.Warn().Str("id", c.shortID()).Msg("stack has no secure transport")
			pcb.Close()
			return false
		}
	}

	// A new connection starts with fresh accounting and a fresh tracker; the
	// old tracker may still be held by the callback frame we are running in.
	c.reset()
	c.secure = secure
	c.handshakeDone = !secure

	pcb.OnErr(c.sError)
	pcb.SetNoDelay(c.noDelay)
	c.pcb = pcb
	if err := pcb.Connect(addr, port, c.sConnected); err != lwip.ErrOK {
		log.Debug().
			Str("id", c.shortID()).
			Str("addr", addr.String()).
			Uint16("port", port).
			Str("err", err.String()).
			Msg("connect refused by stack")
		c.pcb = nil
		clearCallbacks(pcb)
		if pcb.Close() != lwip.ErrOK {
			pcb.Abort()
		}
		return false
	}

	log.Debug().
		Str("id", c.shortID()).
		Str("addr", addr.String()).
		Uint16("port", port).
		Bool("secure", secure).
		Msg("connecting")
	return true
}

func (c *Client) connectHost(host string, port uint16, secure bool) bool {
	if c.pcb != nil || c.resolving {
		return false
	}
	addr, err := c.stack.Resolve(host, c.dnsFound)
	switch err {
	case lwip.ErrOK:
		return c.connect(addr, port, secure)
	case lwip.ErrInProgress:
		c.resolving = true
		c.secure = secure
		c.handshakeDone = !secure
		c.connectPort = port
		log.Debug().Str("id", c.shortID()).Str("host", host).Msg("resolving")
		return true
	}
	log.Debug().Str("id", c.shortID()).Str("host", host).Str("err", err.String()).Msg("resolve failed")
	return false
}

func (c *Client) reset() {
	if c.tracker.errored != eventNone || c.tracker.closeError != lwip.ErrOK {
		c.tracker.detach()
		c.tracker = newErrorTracker(c)
	}
	c.pcbBusy = false
	c.closePCB = false
	c.ackPCB = true
	c.txUnacked, c.txAcked, c.txUnsent = 0, 0, 0
	c.rxAckLen = 0
}

func (c *Client) attach(pcb lwip.PCB) {
	pcb.OnRecv(c.sRecv)
	pcb.OnSent(c.sSent)
	pcb.OnErr(c.sError)
	pcb.OnPoll(c.sPoll, 1)
}

func clearCallbacks(pcb lwip.PCB) {
	pcb.OnSent(nil)
	pcb.OnRecv(nil)
	pcb.OnErr(nil)
	pcb.OnPoll(nil, 0)
}

// Abort resets the connection immediately. It is the only path that records
// ErrAbrt as the close error, and it does nothing once the control block is
// gone, so the stack sees at most one abort per connection.
func (c *Client) Abort() {
	pcb := c.pcb
	if pcb == nil {
		return
	}
	t := c.tracker
	// The stack runs our error callback from inside Abort, which clears c.pcb.
	pcb.Abort()
	if c.pcb == pcb {
		c.pcb = nil
	}
	t.setCloseError(lwip.ErrAbrt)
}

// Close closes the connection gracefully. With now unset the close happens on
// the next poll tick so an in-flight send can complete.
func (c *Client) Close(now bool) {
	if c.pcb != nil && c.rxAckLen > 0 {
		c.pcb.Recved(c.rxAckLen)
		c.rxAckLen = 0
	}
	if now {
		c.close()
	} else {
		c.closePCB = true
	}
}

// Stop is Close(false).
func (c *Client) Stop() {
	c.Close(false)
}

// Release closes any open control block and detaches the client from
// callbacks still in flight. The client must not be used afterwards.
func (c *Client) Release() {
	if c.pcb != nil {
		c.close()
	}
	c.tracker.detach()
	c.released = true
}

func (c *Client) close() {
	pcb := c.pcb
	if pcb == nil {
		return
	}
	if c.secure {
		if sp, ok := pcb.(lwip.SecurePCB); ok {
			sp.FreeSecure()
		}
	}
	clearCallbacks(pcb)
	if err := pcb.Close(); err == lwip.ErrOK {
		c.tracker.setCloseError(err)
	} else {
		log.Debug().Str("id", c.shortID()).Str("err", err.String()).Msg("close failed, aborting")
		c.Abort()
	}
	if c.pcb == pcb {
		c.pcb = nil
	}
	c.finish("close")
	if c.discardCB != nil {
		c.discardCB(c)
	}
}

// handleError runs after the stack already freed the control block.
func (c *Client) handleError(err lwip.Err) {
	if c.pcb != nil {
		if c.secure {
			if sp, ok := c.pcb.(lwip.SecurePCB); ok {
				sp.FreeSecure()
			}
		}
		c.pcb = nil
	}
	log.Debug().Str("id", c.shortID()).Str("err", err.String()).Msg("connection error")
	reason := "error"
	if err == lwip.ErrAbrt {
		reason = "abort"
	}
	c.finish(reason)
	if c.errorCB != nil {
		c.errorCB(c, err)
	}
	if c.discardCB != nil {
		c.discardCB(c)
	}
}

func (c *Client) open() {
	if c.opened {
		return
	}
	c.opened = true
	c.metrics.Opened(c.role)
}

func (c *Client) finish(reason string) {
	if c.opened {
		c.opened = false
		c.metrics.Closed(c.role, reason)
	}
	hooks := c.finishHooks
	c.finishHooks = nil
	for _, fn := range hooks {
		fn()
	}
}

// Add hands up to Space() bytes of data to the stack without sending them
// and returns how many bytes were taken.
func (c *Client) Add(data []byte, flags lwip.WriteFlag) int {
	if c.pcb == nil || len(data) == 0 {
		return 0
	}
	room := c.Space()
	if room == 0 {
		return 0
	}
	n := min(room, len(data))
	if err := c.pcb.Write(data[:n], flags); err != lwip.ErrOK {
		log.Debug().Str("id", c.shortID()).Str("err", err.String()).Msg("stack write failed")
		return 0
	}
	c.txUnsent += n
	return n
}

// Send pushes added bytes onto the wire and starts the ack timer. On failure
// the unsent count is discarded and the connection is left open.
func (c *Client) Send() bool {
	if c.pcb == nil {
		return false
	}
	if err := c.pcb.Output(); err != lwip.ErrOK {
		log.Debug().Str("id", c.shortID()).Str("err", err.String()).Msg("stack output failed")
		c.txUnsent = 0
		return false
	}
	c.pcbBusy = true
	c.sentAt = c.stack.Now()
	c.txUnacked += c.txUnsent
	c.txUnsent = 0
	return true
}

// Write adds and sends data, returning the number of bytes accepted (at most
// Space()). It returns 0 if either step fails.
func (c *Client) Write(data []byte) int {
	return c.WriteFlags(data, lwip.WriteFlagCopy)
}

// WriteString is Write for strings.
func (c *Client) WriteString(s string) int {
	return c.Write([]byte(s))
}

// WriteFlags is Write with explicit stack write flags.
func (c *Client) WriteFlags(data []byte, flags lwip.WriteFlag) int {
	n := c.Add(data, flags)
	if n == 0 || !c.Send() {
		return 0
	}
	return n
}

// Ack acknowledges up to n bytes of data whose acknowledgement was deferred
// with AckLater.
func (c *Client) Ack(n int) int {
	n = min(n, c.rxAckLen)
	if n <= 0 {
		return 0
	}
	if c.pcb != nil {
		c.pcb.Recved(n)
	}
	c.rxAckLen -= n
	return n
}

// AckLater defers the acknowledgement of the segment being delivered to the
// data callback. The bytes must later be released with Ack.
func (c *Client) AckLater() {
	c.ackPCB = false
}

// AckPacket acknowledges a segment delivered through OnPacket.
func (c *Client) AckPacket(p *lwip.Pbuf) {
	if p == nil || c.pcb == nil {
		return
	}
	c.pcb.Recved(p.Len())
}

// Space is the number of bytes the stack currently accepts for sending.
func (c *Client) Space() int {
	if c.pcb == nil || c.pcb.State() != lwip.Established || !c.handshakeDone {
		return 0
	}
	s := c.pcb.SndBuf()
	if c.secure {
		if s >= secureOverhead {
			return s - secureOverhead
		}
		return 0
	}
	return s
}

// CanSend reports whether no send is outstanding and the window is open.
func (c *Client) CanSend() bool {
	return !c.pcbBusy && c.Space() > 0
}

// State is the raw TCP state, Closed when there is no control block.
func (c *Client) State() lwip.State {
	if c.pcb == nil {
		return lwip.Closed
	}
	return c.pcb.State()
}

// StateString is State().String().
func (c *Client) StateString() string {
	return c.State().String()
}

// Connected reports an established connection whose TLS handshake, if any,
// is done.
func (c *Client) Connected() bool {
	if c.pcb == nil {
		return false
	}
	return c.pcb.State() == lwip.Established && c.handshakeDone
}

// Connecting reports a connection still in its opening handshake.
func (c *Client) Connecting() bool {
	if c.pcb == nil {
		return false
	}
	s := c.pcb.State()
	return s > lwip.Closed && s < lwip.Established
}

// Disconnecting reports a connection in one of the closing states.
func (c *Client) Disconnecting() bool {
	if c.pcb == nil {
		return false
	}
	s := c.pcb.State()
	return s > lwip.Established && s < lwip.TimeWait
}

// Disconnected reports that there is no live connection.
func (c *Client) Disconnected() bool {
	if c.pcb == nil {
		return true
	}
	s := c.pcb.State()
	return s == lwip.Closed || s == lwip.TimeWait
}

// Freeable reports whether the client can be dropped without cutting off an
// open connection.
func (c *Client) Freeable() bool {
	if c.pcb == nil {
		return true
	}
	s := c.pcb.State()
	return s == lwip.Closed || s > lwip.Established
}

// Secure reports whether the connection runs TLS.
func (c *Client) Secure() bool {
	return c.secure
}

// RemoteAddr returns the peer's address, or the zero value when unconnected.
func (c *Client) RemoteAddr() netip.AddrPort {
	if c.pcb == nil {
		return netip.AddrPort{}
	}
	return c.pcb.RemoteAddr()
}

// LocalAddr returns the local address, or the zero value when unconnected.
func (c *Client) LocalAddr() netip.AddrPort {
	if c.pcb == nil {
		return netip.AddrPort{}
	}
	return c.pcb.LocalAddr()
}

// RemoteIP returns the peer's IP address.
func (c *Client) RemoteIP() netip.Addr { return c.RemoteAddr().Addr() }

// RemotePort returns the peer's port.
func (c *Client) RemotePort() uint16 { return c.RemoteAddr().Port() }

// LocalIP returns the local IP address.
func (c *Client) LocalIP() netip.Addr { return c.LocalAddr().Addr() }

// LocalPort returns the local port.
func (c *Client) LocalPort() uint16 { return c.LocalAddr().Port() }

// AckTimeout returns the ack timeout.
func (c *Client) AckTimeout() time.Duration { return c.ackTimeout }

// RxTimeout returns the idle receive timeout in seconds.
func (c *Client) RxTimeout() uint32 { return c.rxTimeout }

// SetAckTimeout sets the ack timeout; zero disables it.
func (c *Client) SetAckTimeout(d time.Duration) {
	c.ackTimeout = d
}

// SetRxTimeout sets the idle receive timeout in seconds; zero disables it.
func (c *Client) SetRxTimeout(seconds uint32) {
	c.rxTimeout = seconds
}

// SetNoDelay turns Nagle's algorithm off (true) or on. The setting is kept
// for later connections.
func (c *Client) SetNoDelay(on bool) {
	c.noDelay = on
	if c.pcb != nil {
		c.pcb.SetNoDelay(on)
	}
}

// NoDelay reports the control block's current Nagle setting.
func (c *Client) NoDelay() bool {
	if c.pcb == nil {
		return false
	}
	return c.pcb.NoDelay()
}

// MSS returns the maximum segment size, 0 when unconnected.
func (c *Client) MSS() int {
	if c.pcb == nil {
		return 0
	}
	return c.pcb.MSS()
}

// RecvPushFlag reports whether the segment being delivered carried PSH.
func (c *Client) RecvPushFlag() bool {
	return c.recvFlags&lwip.FlagPush != 0
}

// Unacked returns the bytes sent but not yet acknowledged.
func (c *Client) Unacked() int {
	return c.txUnacked
}

// PendingAck returns the received bytes whose acknowledgement is deferred.
func (c *Client) PendingAck() int {
	return c.rxAckLen
}

// Callback setters. Each replaces the previous handler; nil removes it.

// OnConnect fires once the connection (and its TLS handshake) is up.
func (c *Client) OnConnect(fn ConnHandler) { c.connectCB = fn }

// OnDisconnect fires once after the control block is gone, whatever the cause.
func (c *Client) OnDisconnect(fn ConnHandler) { c.discardCB = fn }

// OnAck fires when every sent byte has been acknowledged.
func (c *Client) OnAck(fn AckHandler) { c.sentCB = fn }

// OnError fires when the stack reports an error or a lookup fails.
func (c *Client) OnError(fn ErrorHandler) { c.errorCB = fn }

// OnData receives each segment's payload.
func (c *Client) OnData(fn DataHandler) { c.recvCB = fn }

// OnPacket takes over whole segments; they must be acknowledged with AckPacket.
func (c *Client) OnPacket(fn PacketHandler) { c.pbCB = fn }

// OnTimeout fires when a send stays unacknowledged past AckTimeout.
func (c *Client) OnTimeout(fn TimeoutHandler) { c.timeoutCB = fn }

// OnPoll fires on every stack poll tick.
func (c *Client) OnPoll(fn ConnHandler) { c.pollCB = fn }

func (c *Client) onFinish(fn func()) {
	c.finishHooks = append(c.finishHooks, fn)
}

func (c *Client) shortID() string {
	return c.id.String()[:8]
}

// Stack entry points. Each one pins the tracker for the duration of the call
// and returns its verdict to the stack.

func (c *Client) sConnected(err lwip.Err) lwip.Err {
	t := c.tracker
	c.connected(t, err)
	return t.callbackCloseError()
}

func (c *Client) sRecv(p *lwip.Pbuf, err lwip.Err) lwip.Err {
	t := c.tracker
	c.recv(t, p, err)
	return t.callbackCloseError()
}

func (c *Client) sSent(n uint16) lwip.Err {
	t := c.tracker
	c.sent(t, int(n))
	return t.callbackCloseError()
}

func (c *Client) sPoll() lwip.Err {
	t := c.tracker
	c.poll(t)
	return t.callbackCloseError()
}

func (c *Client) sError(err lwip.Err) {
	t := c.tracker
	t.setCloseError(err)
	// ErrAbrt comes from our own Abort. The callback frame that called it,
	// if any, still has to hand ErrAbrt back to the stack.
	if err != lwip.ErrAbrt {
		t.setErrored(eventErrorCB)
	}
	c.handleError(err)
}

func (c *Client) dnsFound(host string, addr netip.Addr, ok bool) {
	c.resolving = false
	if c.released {
		return
	}
	if ok {
		c.connect(addr, c.connectPort, c.secure)
		return
	}
	log.Debug().Str("id", c.shortID()).Str("host", host).Msg("dns lookup failed")
	c.finish("dns")
	if c.errorCB != nil {
		c.errorCB(c, lwip.ErrDNSFailed)
	}
	if c.discardCB != nil {
		c.discardCB(c)
	}
}

func (c *Client) connected(t *errorTracker, err lwip.Err) {
	if err != lwip.ErrOK {
		t.setCloseError(err)
		t.setErrored(eventConnectedCB)
		if c.pcb != nil {
			clearCallbacks(c.pcb)
		}
		c.handleError(err)
		return
	}
	pcb := c.pcb
	if pcb == nil {
		return
	}
	c.pcbBusy = false
	c.rxLastPacket = c.stack.Now()
	c.attach(pcb)
	c.open()

	log.Debug().
		Str("id", c.shortID()).
		Str("local", pcb.LocalAddr().String()).
		Str("remote", pcb.RemoteAddr().String()).
		Msg("connected")

	if c.secure {
		sp := pcb.(lwip.SecurePCB)
		if sp.StartHandshake(false, c.handshakeComplete, c.handshakeFailed) != lwip.ErrOK {
			c.close()
		}
		return
	}
	if c.connectCB != nil {
		c.connectCB(c)
	}
}

// startServerHandshake is used by the server for secure listeners.
func (c *Client) startServerHandshake() bool {
	sp, ok := c.pcb.(lwip.SecurePCB)
	if !ok {
		return false
	}
	return sp.StartHandshake(true, c.handshakeComplete, c.handshakeFailed) == lwip.ErrOK
}

func (c *Client) handshakeComplete() {
	if c.pcb == nil {
		return
	}
	c.handshakeDone = true
	c.rxLastPacket = c.stack.Now()
	log.Debug().Str("id", c.shortID()).Msg("handshake done")
	if c.connectCB != nil {
		c.connectCB(c)
	}
}

func (c *Client) handshakeFailed(err lwip.Err) {
	log.Debug().Str("id", c.shortID()).Str("err", err.String()).Msg("handshake failed")
	if c.errorCB != nil {
		c.errorCB(c, err)
	}
	c.close()
}

func (c *Client) sent(t *errorTracker, n int) {
	if c.secure && !c.handshakeDone {
		return
	}
	now := c.stack.Now()
	c.rxLastPacket = now
	c.txUnacked -= n
	c.txAcked += n
	if c.txUnacked == 0 {
		c.pcbBusy = false
		t.setCloseError(lwip.ErrOK)
		elapsed := now.Sub(c.sentAt)
		c.metrics.Acked(c.txAcked, elapsed)
		if c.sentCB != nil {
			c.sentCB(c, c.txAcked, elapsed)
			if !t.hasClient() {
				return
			}
		}
		c.txAcked = 0
	}
}

func (c *Client) recv(t *errorTracker, p *lwip.Pbuf, err lwip.Err) {
	if err != lwip.ErrOK {
		t.setCloseError(err)
		t.setErrored(eventRecvCB)
		if c.pcb != nil {
			clearCallbacks(c.pcb)
		}
		c.handleError(err)
		return
	}
	if p == nil {
		log.Debug().Str("id", c.shortID()).Msg("remote closed")
		c.close()
		return
	}
	c.rxLastPacket = c.stack.Now()
	t.setCloseError(lwip.ErrOK)

	pcb := c.pcb
	for p != nil {
		// Whatever is left is dropped once the client is released or the
		// control block is torn down by a callback.
		if !t.hasClient() || c.pcb != pcb || pcb == nil {
			return
		}
		c.ackPCB = true
		b := p
		p = b.Next
		b.Next = nil
		c.metrics.Received(b.Len())

		if c.pbCB != nil {
			c.pbCB(c, b)
			continue
		}
		if c.recvCB != nil {
			c.recvFlags = b.Flags
			c.recvCB(c, b.Payload)
		}
		if t.hasClient() {
			if !c.ackPCB {
				c.rxAckLen += b.Len()
			} else if c.pcb == pcb {
				pcb.Recved(b.Len())
			}
		}
	}
}

func (c *Client) poll(t *errorTracker) {
	t.setCloseError(lwip.ErrOK)

	if c.closePCB {
		c.closePCB = false
		c.close()
		return
	}
	now := c.stack.Now()

	if c.pcbBusy && c.ackTimeout > 0 && now.Sub(c.sentAt) >= c.ackTimeout {
		c.pcbBusy = false
		c.metrics.AckTimeout()
		log.Debug().Str("id", c.shortID()).Dur("elapsed", now.Sub(c.sentAt)).Msg("ack timeout")
		if c.timeoutCB != nil {
			c.timeoutCB(c, now.Sub(c.sentAt))
		}
		return
	}
	if c.rxTimeout > 0 && now.Sub(c.rxLastPacket) >= time.Duration(c.rxTimeout)*time.Second {
		log.Debug().Str("id", c.shortID()).Uint32("seconds", c.rxTimeout).Msg("receive timeout")
		c.close()
		return
	}
	if c.secure && !c.handshakeDone && now.Sub(c.rxLastPacket) >= handshakeTimeout {
		log.Debug().Str("id", c.shortID()).Msg("handshake timeout")
		c.close()
		return
	}
	if c.pollCB != nil {
		c.pollCB(c)
	}
}

// Do runs fn with the stack's core lock held.
func Do(stack lwip.Stack, fn func()) {
	stack.Lock()
	defer stack.Unlock()
	fn()
}
