package asynctcp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
	"github.com/esphome/asynctcp/metrics"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr netip.Addr
	Port uint16

	NoDelay bool
	// Secure runs a server-side TLS handshake on every accepted socket. The
	// stack's PCBs must implement lwip.SecurePCB.
	Secure bool
	// Profile adjusts the Nagle setting of accepted sockets.
	Profile TrafficProfile

	// MaxPending bounds the sockets waiting for the gate.
	MaxPending int
	// PendingBufferSize is how many bytes a waiting socket may receive
	// before it is dropped.
	PendingBufferSize int64

	Limits *ConnectionLimitsConfig
	Access *AccessListConfig
	// Client configures accepted connections.
	Client  *ClientConfig
	Metrics *metrics.Metrics
}

// DefaultServerConfig listens on every IPv4 address with an ephemeral port.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:              netip.IPv4Unspecified(),
		Profile:           ProfileBulk,
		MaxPending:        8,
		PendingBufferSize: 2920,
		Client:            DefaultClientConfig(),
	}
}

// pendingSocket is an accepted PCB waiting for the gate to open.
type pendingSocket struct {
	pcb lwip.PCB
	buf *circbuf.Buffer
}

// Server listens for inbound connections and hands each one to the OnClient
// callback as a Client.
type Server struct {
	stack   lwip.Stack
	pcb     lwip.PCB
	addr    netip.Addr
	port    uint16
	noDelay bool
	secure  bool
	profile TrafficProfile

	gate       lwip.Gate
	pending    []*pendingSocket
	maxPending int
	pendingBuf int64

	connectCB ConnHandler
	clientCfg *ClientConfig
	limiter   *connectionLimiter
	access    *accessFilter
	metrics   *metrics.Metrics

	lastCleanup time.Time

	events [eventMax]int
}

// NewServer creates a server on stack. A nil cfg uses DefaultServerConfig.
func NewServer(stack lwip.Stack, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	def := DefaultServerConfig()
	if !cfg.Addr.IsValid() {
		cfg.Addr = def.Addr
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.PendingBufferSize <= 0 {
		cfg.PendingBufferSize = def.PendingBufferSize
	}
	if !cfg.Profile.IsValid() {
		cfg.Profile = ProfileBulk
	}
	clientCfg := cfg.Client
	if clientCfg == nil {
		clientCfg = DefaultClientConfig()
	}
	if clientCfg.Metrics == nil {
		c := *clientCfg
		c.Metrics = cfg.Metrics
		clientCfg = &c
	}
	return &Server{
		stack:      stack,
		addr:       cfg.Addr,
		port:       cfg.Port,
		noDelay:    cfg.NoDelay,
		secure:     cfg.Secure,
		profile:    cfg.Profile,
		maxPending: cfg.MaxPending,
		pendingBuf: cfg.PendingBufferSize,
		clientCfg:  clientCfg,
		limiter:    newConnectionLimiter(cfg.Limits),
		access:     newAccessFilter(cfg.Access),
		metrics:    cfg.Metrics,
	}
}

// OnClient sets the callback that receives accepted connections. Without one
// every inbound socket is closed.
func (s *Server) OnClient(fn ConnHandler) {
	s.connectCB = fn
}

// SetGate installs the scarce-resource gate. While it reports busy, inbound
// sockets wait in the pending queue.
func (s *Server) SetGate(g lwip.Gate) {
	s.gate = g
}

// Begin binds and starts listening. It does nothing if the server is
// already listening.
func (s *Server) Begin() error {
	if s.pcb != nil {
		return nil
	}
	pcb := s.stack.NewPCB()
	if pcb == nil {
		return fmt.Errorf("asynctcp: listen %s:%d: %w", s.addr, s.port, lwip.ErrMem)
	}
	if err := pcb.Bind(s.addr, s.port); err != lwip.ErrOK {
		pcb.Close()
		return fmt.Errorf("asynctcp: bind %s:%d: %w", s.addr, s.port, err)
	}
	if err := pcb.Listen(); err != lwip.ErrOK {
		pcb.Close()
		return fmt.Errorf("asynctcp: listen %s:%d: %w", s.addr, s.port, err)
	}
	s.pcb = pcb
	pcb.OnAccept(s.accept)
	log.Info().Str("addr", pcb.LocalAddr().String()).Bool("secure", s.secure).Msg("listening")
	return nil
}

// End stops listening and drops every pending socket. Established clients
// are not affected.
func (s *Server) End() {
	if s.pcb != nil {
		s.pcb.OnAccept(nil)
		if s.pcb.Close() != lwip.ErrOK {
			s.pcb.Abort()
		}
		log.Info().Str("addr", s.pcb.LocalAddr().String()).Msg("stopped listening")
		s.pcb = nil
	}
	for _, p := range s.pending {
		clearCallbacks(p.pcb)
		if p.pcb.Close() != lwip.ErrOK {
			p.pcb.Abort()
		}
		s.limiter.release()
	}
	s.pending = nil
	s.metrics.SetPending(0)
}

// Status is the listener's TCP state; Closed when not listening.
func (s *Server) Status() lwip.State {
	if s.pcb == nil {
		return lwip.Closed
	}
	return s.pcb.State()
}

// Addr is the bound local address, which reveals the port chosen when the
// server was configured with port 0.
func (s *Server) Addr() netip.AddrPort {
	if s.pcb == nil {
		return netip.AddrPortFrom(s.addr, s.port)
	}
	return s.pcb.LocalAddr()
}

// SetNoDelay sets the Nagle setting applied to accepted connections.
func (s *Server) SetNoDelay(on bool) { s.noDelay = on }

// NoDelay reports the Nagle setting for accepted connections.
func (s *Server) NoDelay() bool { return s.noDelay }

// SetAccessList replaces the access list applied to new sockets.
func (s *Server) SetAccessList(cfg *AccessListConfig) {
	s.access.SetConfig(cfg)
}

// AddAccessEntry adds an address or CIDR prefix to the access list. What a
// listed peer means depends on the list mode.
func (s *Server) AddAccessEntry(entry string) { s.access.Add(entry) }

// RemoveAccessEntry drops an entry added with AddAccessEntry.
func (s *Server) RemoveAccessEntry(entry string) { s.access.Remove(entry) }

// Pending returns the number of sockets waiting for the gate.
func (s *Server) Pending() int {
	return len(s.pending)
}

// ActiveConnections returns the connections admitted by the limiter that
// are still alive.
func (s *Server) ActiveConnections() int {
	return s.limiter.Active()
}

// ErrorEvents returns how many times each error event was recorded by the
// trackers of accepted connections, plus failed accepts.
func (s *Server) ErrorEvents() map[ErrorEvent]int {
	out := make(map[ErrorEvent]int)
	for ev, n := range s.events {
		if n > 0 {
			out[ErrorEvent(ev)] = n
		}
	}
	return out
}

func (s *Server) countEvent(ev ErrorEvent) {
	if ev >= 0 && ev < eventMax {
		s.events[ev]++
	}
	s.metrics.ErrorEvent(ev.String())
}

func (s *Server) accept(pcb lwip.PCB, err lwip.Err) lwip.Err {
	if pcb == nil || err != lwip.ErrOK {
		log.Debug().Str("err", err.String()).Msg("accept failed")
		s.countEvent(eventAcceptCB)
		return lwip.ErrOK
	}
	if s.connectCB == nil {
		return s.reject(pcb, "no_handler", LimitActionClose)
	}

	peer := pcb.RemoteAddr().Addr()
	if err := s.access.check(peer); err != nil {
		return s.reject(pcb, "access", LimitActionClose)
	}
	now := s.stack.Now()
	if now.Sub(s.lastCleanup) >= time.Hour {
		s.lastCleanup = now
		s.limiter.cleanup(now)
	}
	if err := s.limiter.admit(peer, now); err != nil {
		logRejected(s.limiter.config.DisableRejectLogging, peer, err.Error())
		return s.reject(pcb, "limit", s.limiter.config.Action)
	}

	pcb.SetNoDelay(s.profile.noDelayFor(s.noDelay || s.secure))

	if (s.gate != nil && s.gate.Busy()) || len(s.pending) > 0 {
		if len(s.pending) >= s.maxPending {
			s.limiter.release()
			return s.reject(pcb, "pending_full", LimitActionClose)
		}
		s.enqueue(pcb)
		return lwip.ErrOK
	}
	return s.promote(pcb, nil)
}

// reject tears down an inbound socket that will not become a Client.
func (s *Server) reject(pcb lwip.PCB, reason string, action LimitAction) lwip.Err {
	s.metrics.Rejected(reason)
	log.Debug().Str("peer", pcb.RemoteAddr().String()).Str("reason", reason).Msg("socket rejected")
	if action == LimitActionAbort {
		pcb.Abort()
		return lwip.ErrAbrt
	}
	if pcb.Close() != lwip.ErrOK {
		pcb.Abort()
		return lwip.ErrAbrt
	}
	return lwip.ErrOK
}

// promote turns an accepted PCB into a Client and replays bytes that
// arrived while it was pending. The result is the reply for the callback
// currently running on pcb.
func (s *Server) promote(pcb lwip.PCB, buffered []byte) lwip.Err {
	c := newAcceptedClient(s.stack, pcb, s.clientCfg, s.secure)
	c.tracker.onEvent = s.countEvent
	c.onFinish(s.limiter.release)
	t := c.tracker

	log.Debug().Str("id", c.shortID()).Str("remote", pcb.RemoteAddr().String()).Msg("accepted")

	if s.secure {
		c.OnConnect(func(c *Client) {
			if s.connectCB != nil {
				s.connectCB(c)
			}
		})
		if !c.startServerHandshake() {
			log.Warn().Str("id", c.shortID()).Msg("server handshake could not start")
			c.close()
			return t.callbackCloseError()
		}
	} else {
		s.connectCB(c)
	}
	if len(buffered) > 0 && t.hasClient() && c.pcb == pcb {
		c.recv(t, &lwip.Pbuf{Payload: buffered}, lwip.ErrOK)
	}
	return t.callbackCloseError()
}

func (s *Server) enqueue(pcb lwip.PCB) {
	// circbuf only rejects non-positive sizes, which NewServer excludes.
	buf, _ := circbuf.NewBuffer(s.pendingBuf)
	p := &pendingSocket{pcb: pcb, buf: buf}
	s.pending = append(s.pending, p)
	s.metrics.SetPending(len(s.pending))
	log.Debug().Str("peer", pcb.RemoteAddr().String()).Int("waiting", len(s.pending)).Msg("socket queued")

	pcb.OnPoll(func() lwip.Err { return s.pendingPoll(p) }, 1)
	pcb.OnRecv(func(pb *lwip.Pbuf, err lwip.Err) lwip.Err { return s.pendingRecv(p, pb, err) })
	pcb.OnErr(func(err lwip.Err) { s.pendingError(p, err) })
}

func (s *Server) dequeue(p *pendingSocket) bool {
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.metrics.SetPending(len(s.pending))
			return true
		}
	}
	return false
}

// pendingPoll promotes the polled socket as soon as the gate is free. Any
// waiting socket may be the one promoted.
func (s *Server) pendingPoll(p *pendingSocket) lwip.Err {
	if s.gate != nil && s.gate.Busy() {
		return lwip.ErrOK
	}
	if !s.dequeue(p) {
		return lwip.ErrOK
	}
	log.Debug().Str("peer", p.pcb.RemoteAddr().String()).Int("waiting", len(s.pending)).Msg("socket promoted")
	clearCallbacks(p.pcb)
	if s.connectCB == nil {
		s.limiter.release()
		return s.reject(p.pcb, "no_handler", LimitActionClose)
	}
	var buffered []byte
	if p.buf.TotalWritten() > 0 {
		buffered = p.buf.Bytes()
	}
	return s.promote(p.pcb, buffered)
}

func (s *Server) pendingRecv(p *pendingSocket, pb *lwip.Pbuf, err lwip.Err) lwip.Err {
	if pb == nil || err != lwip.ErrOK {
		log.Debug().Str("peer", p.pcb.RemoteAddr().String()).Msg("pending socket closed by peer")
		s.dequeue(p)
		s.limiter.release()
		clearCallbacks(p.pcb)
		if p.pcb.Close() != lwip.ErrOK {
			p.pcb.Abort()
			return lwip.ErrAbrt
		}
		return lwip.ErrOK
	}
	for b := pb; b != nil; b = b.Next {
		_, _ = p.buf.Write(b.Payload)
	}
	if p.buf.TotalWritten() > p.buf.Size() {
		log.Warn().Str("peer", p.pcb.RemoteAddr().String()).Int64("limit", p.buf.Size()).Msg("pending socket overflowed its buffer")
		s.dequeue(p)
		s.limiter.release()
		clearCallbacks(p.pcb)
		s.metrics.Rejected("pending_overflow")
		p.pcb.Abort()
		return lwip.ErrAbrt
	}
	return lwip.ErrOK
}

// pendingError runs after the stack already freed the socket.
func (s *Server) pendingError(p *pendingSocket, err lwip.Err) {
	if s.dequeue(p) {
		s.limiter.release()
	}
	log.Debug().Str("err", err.String()).Msg("pending socket failed")
}
