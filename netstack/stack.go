// Package netstack runs the asynctcp callback contract over real byte
// streams.
//
// One event loop goroutine owns the core lock while it runs callbacks. Each
// connection has a reader and a writer goroutine that block on the
// underlying net.Conn and post their results to the loop, so application
// callbacks still see one event at a time. Streams come from a Transport:
// the host's sockets (OSTransport) or a userland gVisor stack
// (GVisorTransport).
package netstack

import (
	"context"
	"crypto/tls"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/esphome/asynctcp/lwip"
)

// Config configures a Stack.
type Config struct {
	// Transport opens connections and listeners. Default: OSTransport.
	Transport Transport
	// Resolver answers Resolve. Default: NewResolver(nil).
	Resolver *Resolver

	// SndBuf is the per-connection send buffer.
	SndBuf int
	// RecvWindow is the per-connection receive window.
	RecvWindow int
	// MSS is the largest chunk read from a connection at once.
	MSS int

	// PollInterval is the time between poll ticks.
	PollInterval time.Duration
	// DialTimeout bounds an active open.
	DialTimeout time.Duration
	// ResolveTimeout bounds an asynchronous lookup.
	ResolveTimeout time.Duration
	// HandshakeTimeout bounds a TLS handshake.
	HandshakeTimeout time.Duration
	// YieldInterval is how long Yield sleeps.
	YieldInterval time.Duration

	// MaxPCBs limits live control blocks; zero means unlimited.
	MaxPCBs int

	// ClientTLS and ServerTLS enable secure connections.
	ClientTLS *tls.Config
	ServerTLS *tls.Config
}

// DefaultConfig returns buffer sizes of a typical lwIP build and the 500 ms
// lwIP slow timer as poll interval.
func DefaultConfig() *Config {
	return &Config{
		SndBuf:           5744,
		RecvWindow:       5744,
		MSS:              1436,
		PollInterval:     500 * time.Millisecond,
		DialTimeout:      10 * time.Second,
		ResolveTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		YieldInterval:    time.Millisecond,
	}
}

// Stack implements lwip.Stack over a Transport.
type Stack struct {
	mu  sync.Mutex
	cfg *Config

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	// guarded by mu
	pcbs       map[uint64]*pcb
	nextID     uint64
	handshakes int
	closed     bool
}

var _ lwip.Stack = (*Stack)(nil)

// New creates a stack and starts its event loop. A nil cfg uses
// DefaultConfig.
func New(cfg *Config) *Stack {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Transport == nil {
		cfg.Transport = &OSTransport{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(nil)
	}
	if cfg.SndBuf <= 0 {
		cfg.SndBuf = def.SndBuf
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	if cfg.MSS <= 0 {
		cfg.MSS = def.MSS
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.YieldInterval <= 0 {
		cfg.YieldInterval = def.YieldInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		pcbs:   make(map[uint64]*pcb),
	}
	s.group.Go(s.loop)
	return s
}

// loop runs posted events and poll ticks under the core lock.
func (s *Stack) loop() error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.wake:
			s.drain()
		case <-ticker.C:
			s.mu.Lock()
			s.pollAll()
			s.mu.Unlock()
		}
	}
}

func (s *Stack) drain() {
	for {
		s.qmu.Lock()
		q := s.queue
		s.queue = nil
		s.qmu.Unlock()
		if len(q) == 0 {
			return
		}
		s.mu.Lock()
		for _, fn := range q {
			fn()
		}
		s.mu.Unlock()
	}
}

// post queues fn to run on the loop. It never blocks, so it is safe from
// callbacks and from I/O goroutines alike.
func (s *Stack) post(fn func()) {
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stack) pollAll() {
	for _, p := range s.pcbs {
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
	if s.cfg.Resolver != nil {
		s.cfg.Resolver.CleanupCache()
	}
}

// reply checks what a callback handed back for p.
func (s *Stack) reply(p *pcb, err lwip.Err) {
	if err == lwip.ErrAbrt && !p.freed {
		log.Warn().Uint64("pcb", p.id).Msg("callback returned ErrAbrt without aborting")
	}
}

// NewPCB implements lwip.Stack.
func (s *Stack) NewPCB() lwip.PCB {
	p := s.newPCB()
	if p == nil {
		return nil
	}
	return p
}

func (s *Stack) newPCB() *pcb {
	if s.closed || (s.cfg.MaxPCBs > 0 && len(s.pcbs) >= s.cfg.MaxPCBs) {
		return nil
	}
	s.nextID++
	p := newPCB(s, s.nextID)
	s.pcbs[p.id] = p
	return p
}

// Resolve implements lwip.Stack. Unknown names are looked up on a separate
// goroutine and found runs on the loop.
func (s *Stack) Resolve(host string, found lwip.DNSFoundFunc) (netip.Addr, lwip.Err) {
	r := s.cfg.Resolver
	if addr, ok := r.Cached(host); ok {
		return addr, lwip.ErrOK
	}
	if host == "" || found == nil {
		return netip.Addr{}, lwip.ErrArg
	}
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResolveTimeout)
		defer cancel()
		addr, err := r.Lookup(ctx, host)
		if err != nil {
			log.Debug().Str("host", host).Err(err).Msg("lookup failed")
		}
		s.post(func() { found(host, addr, err == nil) })
		return nil
	})
	return netip.Addr{}, lwip.ErrInProgress
}

// Now implements lwip.Stack.
func (s *Stack) Now() time.Time {
	return time.Now()
}

func (s *Stack) Lock()         { s.mu.Lock() }
func (s *Stack) TryLock() bool { return s.mu.TryLock() }
func (s *Stack) Unlock()       { s.mu.Unlock() }

// Yield sleeps briefly so the loop can take the lock.
func (s *Stack) Yield() {
	time.Sleep(s.cfg.YieldInterval)
}

// Live returns the number of control blocks not yet freed.
func (s *Stack) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcbs)
}

// HandshakeGate reports busy while a TLS handshake is running.
func (s *Stack) HandshakeGate() lwip.Gate {
	return handshakeGate{s}
}

type handshakeGate struct{ s *Stack }

// Busy must be called with the core lock held.
func (g handshakeGate) Busy() bool { return g.s.handshakes > 0 }

// Close shuts every connection and listener without running callbacks, stops
// the loop and waits for all goroutines.
func (s *Stack) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.pcbs {
		p.shutdown()
	}
	s.mu.Unlock()
	s.cancel()
	return s.group.Wait()
}
