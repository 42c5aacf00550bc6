// Package simnet is a deterministic, in-memory implementation of lwip.Stack.
//
// It models just enough of TCP to drive the asynctcp callback contract: an
// active open either reaches a listener or is reset, writes are limited by a
// send buffer, data is delivered in MSS sized segments limited by the
// receiver's window, every delivery is acknowledged to the sender, and poll
// ticks run on a virtual clock. Nothing happens until the test calls Step,
// Advance or Yield.
//
// The simulator also checks the contract from the stack's side. Stats counts
// ErrAbrt replies (and replies for control blocks that are still alive) and
// every call made on a control block after it was freed.
package simnet

import (
	"net/netip"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
)

// Config controls the simulated stack.
type Config struct {
	// MSS is the maximum payload of one delivered segment.
	MSS int
	// SndBuf is the send buffer of every control block.
	SndBuf int
	// RecvWindow is the receive window of every control block.
	RecvWindow int
	// PollInterval is the virtual time between poll ticks.
	PollInterval time.Duration
	// LinkDelay delays connection establishment.
	LinkDelay time.Duration
	// HandshakeDelay delays the completion of TLS handshakes.
	HandshakeDelay time.Duration
	// DNSDelay delays asynchronous name resolution.
	DNSDelay time.Duration
	// MaxPCBs limits live control blocks; zero means unlimited.
	MaxPCBs int
	// LocalAddr is the address of active opens.
	LocalAddr netip.Addr
	// Hosts is the name table used by Resolve.
	Hosts map[string]netip.Addr
	// TranscriptSize is the number of received bytes remembered per PCB.
	TranscriptSize int64
}

// DefaultConfig mirrors a small embedded lwIP build.
func DefaultConfig() Config {
	return Config{
		MSS:            1460,
		SndBuf:         2920,
		RecvWindow:     5840,
		PollInterval:   125 * time.Millisecond,
		HandshakeDelay: 10 * time.Millisecond,
		DNSDelay:       5 * time.Millisecond,
		LocalAddr:      netip.MustParseAddr("127.0.0.1"),
		Hosts:          map[string]netip.Addr{"localhost": netip.MustParseAddr("127.0.0.1")},
		TranscriptSize: 64 * 1024,
	}
}

// Faults make selected stack operations fail.
type Faults struct {
	FailNewPCB    bool
	RefuseConnect bool
	FailHandshake bool
	ConnectErr    lwip.Err
	WriteErr      lwip.Err
	OutputErr     lwip.Err
	CloseErr      lwip.Err
	// RecvErr turns every delivery into a receive event carrying this
	// error. The stack then drops the control block and resets its peer.
	RecvErr lwip.Err
}

// Stats counts contract observations.
type Stats struct {
	// AbortReplies is the number of callbacks that returned ErrAbrt.
	AbortReplies int
	// BadAbortReplies counts ErrAbrt replies for control blocks that are
	// still alive.
	BadAbortReplies int
	// DoubleAborts counts control blocks that received more than one ErrAbrt.
	DoubleAborts int
	// UseAfterFree counts calls made on freed control blocks.
	UseAfterFree int
	// Aborts counts Abort calls.
	Aborts int
	// StaleCallbacks counts control blocks the stack dropped after a
	// failed receive while callbacks were still registered on them.
	StaleCallbacks int
}

type event struct {
	at  time.Time
	seq uint64
	fn  func()
}

// Sim is the simulated stack.
type Sim struct {
	mu sync.Mutex

	cfg    Config
	faults Faults
	stats  Stats

	now      time.Time
	nextPoll time.Time
	events   []event
	seq      uint64

	nextID    int
	nextPort  uint16
	pcbs      []*PCB
	listeners map[uint16]*PCB

	handshakes int
}

var _ lwip.Stack = (*Sim)(nil)

// New creates a simulator. The virtual clock starts at an arbitrary fixed
// instant.
func New(cfg Config) *Sim {
	def := DefaultConfig()
	if cfg.MSS <= 0 {
		cfg.MSS = def.MSS
	}
	if cfg.SndBuf <= 0 {
		cfg.SndBuf = def.SndBuf
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if !cfg.LocalAddr.IsValid() {
		cfg.LocalAddr = def.LocalAddr
	}
	if cfg.TranscriptSize <= 0 {
		cfg.TranscriptSize = def.TranscriptSize
	}
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Sim{
		cfg:       cfg,
		now:       start,
		nextPoll:  start.Add(cfg.PollInterval),
		nextPort:  49152,
		listeners: make(map[uint16]*PCB),
	}
}

// NewPCB implements lwip.Stack.
func (s *Sim) NewPCB() lwip.PCB {
	if s.faults.FailNewPCB {
		return nil
	}
	if s.cfg.MaxPCBs > 0 && s.live() >= s.cfg.MaxPCBs {
		return nil
	}
	return s.newPCB()
}

func (s *Sim) newPCB() *PCB {
	s.nextID++
	p := newPCB(s, s.nextID)
	s.pcbs = append(s.pcbs, p)
	return p
}

func (s *Sim) live() int {
	n := 0
	for _, p := range s.pcbs {
		if !p.freed {
			n++
		}
	}
	return n
}

// Resolve implements lwip.Stack. Literal addresses resolve immediately; names
// are looked up in Config.Hosts after DNSDelay.
func (s *Sim) Resolve(host string, found lwip.DNSFoundFunc) (netip.Addr, lwip.Err) {
	if host == "" {
		return netip.Addr{}, lwip.ErrArg
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, lwip.ErrOK
	}
	addr, ok := s.cfg.Hosts[host]
	s.after(s.cfg.DNSDelay, func() {
		if found != nil {
			found(host, addr, ok)
		}
	})
	return netip.Addr{}, lwip.ErrInProgress
}

// Now implements lwip.Stack.
func (s *Sim) Now() time.Time {
	return s.now
}

func (s *Sim) Lock()         { s.mu.Lock() }
func (s *Sim) TryLock() bool { return s.mu.TryLock() }
func (s *Sim) Unlock()       { s.mu.Unlock() }

// Yield runs pending work. When there is none it moves the clock to the next
// scheduled event or poll tick, so spin-waiters always make progress. If the
// core lock is held elsewhere (a spin-waiter running inside a callback) it
// only yields the processor.
func (s *Sim) Yield() {
	if !s.mu.TryLock() {
		runtime.Gosched()
		return
	}
	defer s.mu.Unlock()
	if s.run() {
		return
	}
	next := s.nextPoll
	if len(s.events) > 0 && s.events[0].at.Before(next) {
		next = s.events[0].at
	}
	s.advanceTo(next)
	s.run()
}

// Step runs everything that is due at the current virtual time.
func (s *Sim) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run()
}

// Advance moves the virtual clock forward by d, firing events and poll ticks
// in time order.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.now.Add(d)
	s.run()
	for {
		next := s.nextPoll
		if len(s.events) > 0 && s.events[0].at.Before(next) {
			next = s.events[0].at
		}
		if next.After(end) {
			break
		}
		s.advanceTo(next)
		s.run()
	}
	s.now = end
	s.run()
}

// SetFaults replaces the active fault set.
func (s *Sim) SetFaults(f Faults) {
	s.faults = f
}

// Stats returns a snapshot of the contract counters.
func (s *Sim) Stats() Stats {
	return s.stats
}

// Live returns the number of control blocks that are not freed.
func (s *Sim) Live() int {
	return s.live()
}

// Transcript returns the bytes most recently delivered to the control block
// bound to local, including freed ones.
func (s *Sim) Transcript(local netip.AddrPort) []byte {
	for i := len(s.pcbs) - 1; i >= 0; i-- {
		p := s.pcbs[i]
		if p.local == local && p.state != lwip.Listen && p.transcript != nil {
			return p.transcript.Bytes()
		}
	}
	return nil
}

// HandshakeGate reports busy while any TLS handshake is in progress.
func (s *Sim) HandshakeGate() lwip.Gate {
	return gate{s}
}

type gate struct{ s *Sim }

func (g gate) Busy() bool { return g.s.handshakes > 0 }

func (s *Sim) after(d time.Duration, fn func()) {
	s.seq++
	s.events = append(s.events, event{at: s.now.Add(d), seq: s.seq, fn: fn})
	sort.SliceStable(s.events, func(i, j int) bool {
		if s.events[i].at.Equal(s.events[j].at) {
			return s.events[i].seq < s.events[j].seq
		}
		return s.events[i].at.Before(s.events[j].at)
	})
}

func (s *Sim) advanceTo(t time.Time) {
	if t.Before(s.now) {
		return
	}
	s.now = t
	for !s.nextPoll.After(s.now) {
		s.pollAll()
		s.nextPoll = s.nextPoll.Add(s.cfg.PollInterval)
	}
}

// run processes due events and deliveries until nothing changes.
func (s *Sim) run() bool {
	progress := false
	for i := 0; i < 10000; i++ {
		did := false
		for len(s.events) > 0 && !s.events[0].at.After(s.now) {
			ev := s.events[0]
			s.events = s.events[1:]
			ev.fn()
			did = true
		}
		for _, p := range s.snapshot() {
			if s.deliver(p) {
				did = true
			}
		}
		if !did {
			return progress
		}
		progress = true
	}
	log.Warn().Msg("simnet: run did not settle")
	return progress
}

func (s *Sim) snapshot() []*PCB {
	out := make([]*PCB, 0, len(s.pcbs))
	for _, p := range s.pcbs {
		if !p.freed {
			out = append(out, p)
		}
	}
	return out
}

func (s *Sim) pollAll() {
	for _, p := range s.snapshot() {
		if p.freed || p.poll == nil || p.state == lwip.Listen {
			continue
		}
		p.pollCount++
		if p.pollCount < int(p.pollInterval) {
			continue
		}
		p.pollCount = 0
		s.reply(p, p.poll())
	}
}

// reply records what a callback handed back for p.
func (s *Sim) reply(p *PCB, err lwip.Err) {
	if err != lwip.ErrAbrt {
		return
	}
	s.stats.AbortReplies++
	p.abortReplies++
	if !p.freed {
		s.stats.BadAbortReplies++
	}
	if p.abortReplies == 2 {
		s.stats.DoubleAborts++
	}
}

func (s *Sim) misuse(p *PCB, op string) {
	s.stats.UseAfterFree++
	log.Warn().Int("pcb", p.id).Str("op", op).Msg("simnet: call on freed control block")
}

func (s *Sim) listenerFor(addr netip.Addr, port uint16) *PCB {
	l, ok := s.listeners[port]
	if !ok || l.freed {
		return nil
	}
	if l.local.Addr().IsUnspecified() || !l.local.Addr().IsValid() || l.local.Addr() == addr {
		return l
	}
	return nil
}

func (s *Sim) ephemeralPort() uint16 {
	for {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		if _, used := s.listeners[port]; !used {
			return port
		}
	}
}

// establish runs the delayed part of an active open.
func (s *Sim) establish(p *PCB, addr netip.Addr, port uint16) {
	if p.freed {
		return
	}
	l := s.listenerFor(addr, port)
	if l == nil || s.faults.RefuseConnect {
		log.Debug().Int("pcb", p.id).Str("addr", addr.String()).Uint16("port", port).Msg("simnet: connection refused")
		p.free(lwip.Closed)
		if p.errFn != nil {
			p.errFn(lwip.ErrRst)
		}
		return
	}

	srv := s.newPCB()
	srv.state = lwip.Established
	srv.local = netip.AddrPortFrom(addr, port)
	srv.remote = p.local
	srv.peer = p
	srv.noDelay = l.noDelay

	p.state = lwip.Established
	p.remote = netip.AddrPortFrom(addr, port)
	p.peer = srv

	if p.connected != nil {
		s.reply(p, p.connected(lwip.ErrOK))
	}

	if l.accept == nil {
		srv.resetPeer()
		srv.free(lwip.Closed)
		return
	}
	s.reply(srv, l.accept(srv, lwip.ErrOK))
}

// deliver hands queued segments to p's receive callback, limited by its
// window, and acknowledges them to the sender.
func (s *Sim) deliver(p *PCB) bool {
	if p.freed || p.recv == nil || len(p.inbox) == 0 {
		return false
	}
	if err := s.faults.RecvErr; err != lwip.ErrOK {
		p.inbox = nil
		s.recvFailed(p, err)
		return true
	}
	if p.inbox[0].fin {
		p.inbox = p.inbox[1:]
		if p.state == lwip.Established {
			p.state = lwip.CloseWait
		}
		s.reply(p, p.recv(nil, lwip.ErrOK))
		return true
	}

	var chain *lwip.Pbuf
	total := 0
	for len(p.inbox) > 0 && !p.inbox[0].fin && p.rcvWnd > 0 {
		seg := &p.inbox[0]
		n := min(len(seg.data), p.rcvWnd)
		chunk := append([]byte(nil), seg.data[:n]...)
		seg.data = seg.data[n:]
		var flags uint8
		if len(seg.data) == 0 {
			if seg.push {
				flags = lwip.FlagPush
			}
			p.inbox = p.inbox[1:]
		}
		p.rcvWnd -= n
		total += n
		_, _ = p.transcript.Write(chunk)
		chain = lwip.Chain(chain, &lwip.Pbuf{Payload: chunk, Flags: flags})
	}
	if chain == nil {
		return false
	}

	if sender := p.peer; sender != nil && !sender.freed {
		sender.acked(total)
	}
	s.reply(p, p.recv(chain, lwip.ErrOK))
	return true
}

// recvFailed reports err through p's receive callback and then drops p. The
// callback must have cleared every registration on p before it returns.
func (s *Sim) recvFailed(p *PCB, err lwip.Err) {
	s.reply(p, p.recv(nil, err))
	if p.freed {
		return
	}
	if p.recv != nil || p.sent != nil || p.errFn != nil || p.poll != nil {
		s.stats.StaleCallbacks++
		log.Warn().Int("pcb", p.id).Msg("simnet: callbacks left on a failed control block")
	}
	p.resetPeer()
	p.free(lwip.Closed)
}
