package netstack

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
)

// sendQueue hands output from the core to the writer goroutine.
type sendQueue struct {
	mu      sync.Mutex
	bufs    [][]byte
	closing bool
	sig     chan struct{}
}

func (q *sendQueue) push(bufs [][]byte, closing bool) {
	q.mu.Lock()
	q.bufs = append(q.bufs, bufs...)
	q.closing = q.closing || closing
	q.mu.Unlock()
	select {
	case q.sig <- struct{}{}:
	default:
	}
}

func (q *sendQueue) isClosing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

func (q *sendQueue) take() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bufs := q.bufs
	q.bufs = nil
	return bufs, q.closing
}

// pcb is a control block backed by a net.Conn or net.Listener. Apart from
// the send queue and the channels, all fields are guarded by the core lock.
type pcb struct {
	s  *Stack
	id uint64

	state         lwip.State
	local, remote netip.AddrPort
	conn          net.Conn
	ln            net.Listener
	freed         bool
	noDelay       bool
	ioStarted     bool

	// send side
	sndAvail int
	unsent   [][]byte
	txq      *sendQueue

	// receive side
	rcvWnd     int
	rxq        []rxChunk
	rxBuffered int
	eof        bool
	rxReady    chan struct{}
	done       chan struct{}

	// TLS
	hsActive bool
	hsDone   bool
	tlsConn  *tls.Conn

	recv      lwip.RecvFunc
	sent      lwip.SentFunc
	errFn     lwip.ErrFunc
	poll      lwip.PollFunc
	accept    lwip.AcceptFunc
	connected lwip.ConnectedFunc

	pollInterval uint8
	pollCount    int
}

type rxChunk struct {
	data []byte
}

var _ lwip.SecurePCB = (*pcb)(nil)

func newPCB(s *Stack, id uint64) *pcb {
	p := &pcb{
		s:        s,
		id:       id,
		state:    lwip.Closed,
		sndAvail: s.cfg.SndBuf,
		rcvWnd:   s.cfg.RecvWindow,
		txq:      &sendQueue{sig: make(chan struct{}, 1)},
		rxReady:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.rxReady <- struct{}{}
	return p
}

func (p *pcb) State() lwip.State          { return p.state }
func (p *pcb) LocalAddr() netip.AddrPort  { return p.local }
func (p *pcb) RemoteAddr() netip.AddrPort { return p.remote }

func (p *pcb) misuse(op string) {
	log.Warn().Uint64("pcb", p.id).Str("op", op).Msg("call on freed control block")
}

func (p *pcb) Bind(addr netip.Addr, port uint16) lwip.Err {
	if p.freed {
		p.misuse("bind")
		return lwip.ErrClsd
	}
	if p.state != lwip.Closed || p.local.IsValid() {
		return lwip.ErrVal
	}
	p.local = netip.AddrPortFrom(addr, port)
	return lwip.ErrOK
}

func (p *pcb) Listen() lwip.Err {
	if p.freed {
		p.misuse("listen")
		return lwip.ErrClsd
	}
	if p.state != lwip.Closed {
		return lwip.ErrConn
	}
	local := p.local
	if !local.IsValid() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	ln, err := p.s.cfg.Transport.Listen(local)
	if err != nil {
		log.Debug().Str("addr", local.String()).Err(err).Msg("listen failed")
		return toErr(err)
	}
	p.ln = ln
	p.state = lwip.Listen
	bound := addrPort(ln.Addr())
	p.local = netip.AddrPortFrom(local.Addr(), bound.Port())
	p.s.group.Go(func() error { return p.acceptLoop(ln) })
	return lwip.ErrOK
}

func (p *pcb) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("accept stopped")
			}
			return nil
		}
		p.s.post(func() { p.accepted(conn) })
	}
}

func (p *pcb) accepted(conn net.Conn) {
	if p.freed || p.accept == nil {
		_ = conn.Close()
		return
	}
	child := p.s.newPCB()
	if child == nil {
		log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("out of control blocks, dropping connection")
		_ = conn.Close()
		return
	}
	child.attachConn(conn)
	child.SetNoDelay(p.noDelay)
	p.s.reply(child, p.accept(child, lwip.ErrOK))
	child.maybeStartIO()
}

func (p *pcb) attachConn(conn net.Conn) {
	p.conn = conn
	p.state = lwip.Established
	p.local = addrPort(conn.LocalAddr())
	p.remote = addrPort(conn.RemoteAddr())
}

func (p *pcb) Connect(addr netip.Addr, port uint16, connected lwip.ConnectedFunc) lwip.Err {
	if p.freed {
		p.misuse("connect")
		return lwip.ErrClsd
	}
	switch p.state {
	case lwip.Closed:
	case lwip.SynSent:
		return lwip.ErrAlready
	default:
		return lwip.ErrIsConn
	}
	if !addr.IsValid() || port == 0 {
		return lwip.ErrVal
	}
	p.state = lwip.SynSent
	p.connected = connected
	target := netip.AddrPortFrom(addr, port)
	p.remote = target

	s := p.s
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.cfg.Transport.Dial(ctx, target)
		s.post(func() { p.dialed(conn, err) })
		return nil
	})
	return lwip.ErrOK
}

func (p *pcb) dialed(conn net.Conn, err error) {
	if p.freed {
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Debug().Uint64("pcb", p.id).Str("remote", p.remote.String()).Err(err).Msg("connect failed")
		p.fail(toErr(err))
		return
	}
	p.attachConn(conn)
	p.applyNoDelay()
	if p.connected != nil {
		p.s.reply(p, p.connected(lwip.ErrOK))
	}
	p.maybeStartIO()
}

// maybeStartIO starts the reader and writer once nobody else (a TLS
// handshake) owns the connection.
func (p *pcb) maybeStartIO() {
	if p.freed || p.ioStarted || p.hsActive || p.conn == nil {
		return
	}
	p.ioStarted = true
	conn := p.conn
	p.s.group.Go(func() error { return p.readLoop(conn) })
	p.s.group.Go(func() error { return p.writeLoop(conn) })
}

func (p *pcb) readLoop(conn net.Conn) error {
	buf := make([]byte, p.s.cfg.MSS)
	for {
		select {
		case <-p.rxReady:
		case <-p.done:
			return nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.s.post(func() { p.received(data) })
		} else if err == nil {
			// deliver may have handed the token back already
			select {
			case p.rxReady <- struct{}{}:
			default:
			}
		}
		if err != nil {
			p.s.post(func() { p.readFailed(err) })
			return nil
		}
	}
}

// closeLinger bounds how long a closed connection keeps flushing to a peer
// that stopped reading.
const closeLinger = 10 * time.Second

func (p *pcb) writeLoop(conn net.Conn) error {
	lingering := false
	for {
		bufs, closing := p.txq.take()
		if closing && !lingering {
			lingering = true
			_ = conn.SetWriteDeadline(time.Now().Add(closeLinger))
		}
		for _, b := range bufs {
			if _, err := conn.Write(b); err != nil {
				p.s.post(func() { p.writeFailed(err) })
				return nil
			}
			n := len(b)
			p.s.post(func() { p.acked(n) })
		}
		if closing {
			_ = conn.Close()
			return nil
		}
		select {
		case <-p.txq.sig:
		case <-p.done:
			// a graceful close queues its final data before freeing
			if !p.txq.isClosing() {
				return nil
			}
		}
	}
}

func (p *pcb) received(data []byte) {
	if p.freed {
		return
	}
	p.rxq = append(p.rxq, rxChunk{data: data})
	p.rxBuffered += len(data)
	p.deliver()
}

func (p *pcb) readFailed(err error) {
	if p.freed {
		return
	}
	if errors.Is(err, io.EOF) {
		p.eof = true
		p.deliver()
		return
	}
	p.fail(toErr(err))
}

func (p *pcb) writeFailed(err error) {
	if p.freed {
		return
	}
	p.fail(toErr(err))
}

// deliver hands buffered data to the receive callback, limited by the
// window, then the FIN once everything before it was taken.
func (p *pcb) deliver() {
	if p.freed || p.recv == nil {
		return
	}
	var chain *lwip.Pbuf
	total := 0
	for len(p.rxq) > 0 && p.rcvWnd > 0 {
		c := &p.rxq[0]
		n := min(len(c.data), p.rcvWnd)
		var flags uint8
		chunk := c.data[:n]
		c.data = c.data[n:]
		if len(c.data) == 0 {
			flags = lwip.FlagPush
			p.rxq = p.rxq[1:]
		}
		p.rcvWnd -= n
		total += n
		chain = lwip.Chain(chain, &lwip.Pbuf{Payload: chunk, Flags: flags})
	}
	if chain != nil {
		p.rxBuffered -= total
		p.s.reply(p, p.recv(chain, lwip.ErrOK))
	}
	if p.freed {
		return
	}
	if p.rxBuffered < p.s.cfg.RecvWindow && !p.eof {
		select {
		case p.rxReady <- struct{}{}:
		default:
		}
	}
	if p.eof && len(p.rxq) == 0 && p.recv != nil {
		p.eof = false
		if p.state == lwip.Established {
			p.state = lwip.CloseWait
		}
		p.s.reply(p, p.recv(nil, lwip.ErrOK))
	}
}

// acked credits written bytes back to the send buffer and reports them.
func (p *pcb) acked(n int) {
	if p.freed {
		return
	}
	p.sndAvail = min(p.sndAvail+n, p.s.cfg.SndBuf)
	for n > 0 && !p.freed && p.sent != nil {
		chunk := min(n, 0xffff)
		n -= chunk
		p.s.reply(p, p.sent(uint16(chunk)))
	}
}

func (p *pcb) Write(data []byte, flags lwip.WriteFlag) lwip.Err {
	if p.freed {
		p.misuse("write")
		return lwip.ErrClsd
	}
	if p.state != lwip.Established && p.state != lwip.CloseWait {
		return lwip.ErrConn
	}
	if len(data) > p.sndAvail {
		return lwip.ErrMem
	}
	p.sndAvail -= len(data)
	p.unsent = append(p.unsent, append([]byte(nil), data...))
	return lwip.ErrOK
}

func (p *pcb) Output() lwip.Err {
	if p.freed {
		p.misuse("output")
		return lwip.ErrClsd
	}
	if len(p.unsent) == 0 {
		return lwip.ErrOK
	}
	p.txq.push(p.unsent, false)
	p.unsent = nil
	return lwip.ErrOK
}

func (p *pcb) Recved(n int) {
	if p.freed {
		p.misuse("recved")
		return
	}
	if n <= 0 {
		return
	}
	p.rcvWnd = min(p.rcvWnd+n, p.s.cfg.RecvWindow)
	if len(p.rxq) > 0 || p.eof {
		p.s.post(p.deliver)
	}
}

func (p *pcb) SndBuf() int {
	if p.freed {
		p.misuse("sndbuf")
		return 0
	}
	return p.sndAvail
}

func (p *pcb) MSS() int { return p.s.cfg.MSS }

func (p *pcb) SetNoDelay(on bool) {
	if p.freed {
		p.misuse("nodelay")
		return
	}
	p.noDelay = on
	p.applyNoDelay()
}

func (p *pcb) applyNoDelay() {
	if tc, ok := p.rawConn().(interface{ SetNoDelay(bool) error }); ok {
		_ = tc.SetNoDelay(p.noDelay)
	}
}

func (p *pcb) NoDelay() bool { return p.noDelay }

// rawConn is the transport connection under any TLS layer.
func (p *pcb) rawConn() net.Conn {
	if p.tlsConn != nil {
		return p.tlsConn.NetConn()
	}
	return p.conn
}

func (p *pcb) Close() lwip.Err {
	if p.freed {
		p.misuse("close")
		return lwip.ErrClsd
	}
	switch p.state {
	case lwip.Listen:
		if p.ln != nil {
			_ = p.ln.Close()
		}
		p.free(lwip.Closed)
	case lwip.Established, lwip.CloseWait:
		next := lwip.FinWait1
		if p.state == lwip.CloseWait {
			next = lwip.LastAck
		}
		switch {
		case p.ioStarted:
			p.txq.push(p.unsent, true)
			p.unsent = nil
		case p.conn != nil && !p.hsActive:
			// closed from the accept or connect callback: flush what
			// was written there, nothing will be read
			p.txq.push(p.unsent, true)
			p.unsent = nil
			p.ioStarted = true
			conn := p.conn
			p.s.group.Go(func() error { return p.writeLoop(conn) })
		case p.conn != nil:
			_ = p.conn.Close()
		}
		p.free(next)
	default:
		p.free(lwip.Closed)
	}
	return lwip.ErrOK
}

func (p *pcb) Abort() {
	if p.freed {
		p.misuse("abort")
		return
	}
	errFn := p.errFn
	p.shutdown()
	if errFn != nil {
		errFn(lwip.ErrAbrt)
	}
}

// shutdown resets the connection (or closes the listener) and frees p
// without running callbacks.
func (p *pcb) shutdown() {
	if p.ln != nil {
		_ = p.ln.Close()
	}
	if raw := p.rawConn(); raw != nil {
		if tc, ok := raw.(interface{ SetLinger(int) error }); ok {
			_ = tc.SetLinger(0)
		}
		_ = raw.Close()
	}
	p.free(lwip.Closed)
}

// fail frees p after the connection broke and reports err.
func (p *pcb) fail(err lwip.Err) {
	errFn := p.errFn
	p.shutdown()
	if errFn != nil {
		errFn(err)
	}
}

func (p *pcb) free(state lwip.State) {
	if p.freed {
		return
	}
	p.freed = true
	p.state = state
	p.recv = nil
	p.sent = nil
	p.errFn = nil
	p.poll = nil
	p.accept = nil
	p.connected = nil
	p.rxq = nil
	if p.hsActive {
		p.hsActive = false
		p.s.handshakes--
	}
	close(p.done)
	delete(p.s.pcbs, p.id)
}

func (p *pcb) OnRecv(fn lwip.RecvFunc) {
	if p.freed {
		if fn != nil {
			p.misuse("recv")
		}
		return
	}
	p.recv = fn
	if fn != nil && (len(p.rxq) > 0 || p.eof) {
		p.s.post(p.deliver)
	}
}

func (p *pcb) OnSent(fn lwip.SentFunc) {
	if p.freed {
		if fn != nil {
			p.misuse("sent")
		}
		return
	}
	p.sent = fn
}

func (p *pcb) OnErr(fn lwip.ErrFunc) {
	if p.freed {
		if fn != nil {
			p.misuse("err")
		}
		return
	}
	p.errFn = fn
}

func (p *pcb) OnPoll(fn lwip.PollFunc, interval uint8) {
	if p.freed {
		if fn != nil {
			p.misuse("poll")
		}
		return
	}
	p.poll = fn
	p.pollInterval = max(interval, 1)
	p.pollCount = 0
}

func (p *pcb) OnAccept(fn lwip.AcceptFunc) {
	if p.freed {
		if fn != nil {
			p.misuse("accept")
		}
		return
	}
	p.accept = fn
}
