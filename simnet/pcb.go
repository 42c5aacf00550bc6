package simnet

import (
	"net/netip"

	"github.com/armon/circbuf"

	"github.com/esphome/asynctcp/lwip"
)

type segment struct {
	data []byte
	push bool
	fin  bool
}

// PCB is a simulated control block. It implements lwip.SecurePCB; the
// handshake only delays readiness and never transforms data.
type PCB struct {
	sim *Sim
	id  int

	state   lwip.State
	local   netip.AddrPort
	remote  netip.AddrPort
	peer    *PCB
	freed   bool
	aborted bool
	noDelay bool

	sndAvail int
	unsent   []segment
	rcvWnd   int
	inbox    []segment

	recv         lwip.RecvFunc
	sent         lwip.SentFunc
	errFn        lwip.ErrFunc
	poll         lwip.PollFunc
	pollInterval uint8
	pollCount    int
	accept       lwip.AcceptFunc
	connected    lwip.ConnectedFunc

	hsActive bool
	hsDone   bool

	abortReplies int
	transcript   *circbuf.Buffer
}

var _ lwip.SecurePCB = (*PCB)(nil)

func newPCB(s *Sim, id int) *PCB {
	// circbuf only rejects non-positive sizes, which New already excludes.
	tr, _ := circbuf.NewBuffer(s.cfg.TranscriptSize)
	return &PCB{
		sim:        s,
		id:         id,
		state:      lwip.Closed,
		sndAvail:   s.cfg.SndBuf,
		rcvWnd:     s.cfg.RecvWindow,
		transcript: tr,
	}
}

// ID returns the simulator's identifier for the control block.
func (p *PCB) ID() int { return p.id }

// Freed reports whether the control block was released to the stack.
func (p *PCB) Freed() bool { return p.freed }

// Aborted reports whether the control block was freed by Abort.
func (p *PCB) Aborted() bool { return p.aborted }

// AbortReplies returns how many callbacks answered ErrAbrt for this PCB.
func (p *PCB) AbortReplies() int { return p.abortReplies }

func (p *PCB) State() lwip.State          { return p.state }
func (p *PCB) LocalAddr() netip.AddrPort  { return p.local }
func (p *PCB) RemoteAddr() netip.AddrPort { return p.remote }

func (p *PCB) Bind(addr netip.Addr, port uint16) lwip.Err {
	if p.freed {
		p.sim.misuse(p, "bind")
		return lwip.ErrClsd
	}
	if p.state != lwip.Closed {
		return lwip.ErrVal
	}
	if port == 0 {
		port = p.sim.ephemeralPort()
	} else if l, used := p.sim.listeners[port]; used && !l.freed {
		return lwip.ErrUse
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	p.local = netip.AddrPortFrom(addr, port)
	return lwip.ErrOK
}

func (p *PCB) Listen() lwip.Err {
	if p.freed {
		p.sim.misuse(p, "listen")
		return lwip.ErrClsd
	}
	if !p.local.IsValid() || p.state != lwip.Closed {
		return lwip.ErrVal
	}
	if l, used := p.sim.listeners[p.local.Port()]; used && !l.freed {
		return lwip.ErrUse
	}
	p.state = lwip.Listen
	p.sim.listeners[p.local.Port()] = p
	return lwip.ErrOK
}

func (p *PCB) Connect(addr netip.Addr, port uint16, connected lwip.ConnectedFunc) lwip.Err {
	if p.freed {
		p.sim.misuse(p, "connect")
		return lwip.ErrClsd
	}
	if p.state != lwip.Closed {
		return lwip.ErrIsConn
	}
	if err := p.sim.faults.ConnectErr; err != lwip.ErrOK {
		return err
	}
	if !p.local.IsValid() {
		p.local = netip.AddrPortFrom(p.sim.cfg.LocalAddr, p.sim.ephemeralPort())
	}
	p.state = lwip.SynSent
	p.connected = connected
	p.sim.after(p.sim.cfg.LinkDelay, func() { p.sim.establish(p, addr, port) })
	return lwip.ErrOK
}

func (p *PCB) Write(data []byte, flags lwip.WriteFlag) lwip.Err {
	if p.freed {
		p.sim.misuse(p, "write")
		return lwip.ErrClsd
	}
	if p.state != lwip.Established && p.state != lwip.CloseWait {
		return lwip.ErrConn
	}
	if err := p.sim.faults.WriteErr; err != lwip.ErrOK {
		return err
	}
	if len(data) > p.sndAvail {
		return lwip.ErrMem
	}
	p.sndAvail -= len(data)
	p.unsent = append(p.unsent, segment{
		data: append([]byte(nil), data...),
		push: flags&lwip.WriteFlagMore == 0,
	})
	return lwip.ErrOK
}

func (p *PCB) Output() lwip.Err {
	if p.freed {
		p.sim.misuse(p, "output")
		return lwip.ErrClsd
	}
	if err := p.sim.faults.OutputErr; err != lwip.ErrOK {
		for _, seg := range p.unsent {
			p.sndAvail += len(seg.data)
		}
		p.unsent = nil
		return err
	}
	p.flush()
	return lwip.ErrOK
}

// flush moves unsent data into the peer's inbox in MSS sized segments.
func (p *PCB) flush() {
	if len(p.unsent) == 0 {
		return
	}
	if p.peer == nil || p.peer.freed {
		p.unsent = nil
		p.sim.after(0, func() { p.reset() })
		return
	}
	mss := p.sim.cfg.MSS
	for _, seg := range p.unsent {
		data := seg.data
		for len(data) > 0 {
			n := min(len(data), mss)
			p.peer.inbox = append(p.peer.inbox, segment{
				data: data[:n],
				push: seg.push && n == len(data),
			})
			data = data[n:]
		}
	}
	p.unsent = nil
}

func (p *PCB) Recved(n int) {
	if p.freed {
		p.sim.misuse(p, "recved")
		return
	}
	p.rcvWnd = min(p.rcvWnd+n, p.sim.cfg.RecvWindow)
}

func (p *PCB) SndBuf() int {
	if p.freed {
		p.sim.misuse(p, "sndbuf")
		return 0
	}
	return p.sndAvail
}

func (p *PCB) MSS() int { return p.sim.cfg.MSS }

func (p *PCB) SetNoDelay(on bool) {
	if p.freed {
		p.sim.misuse(p, "nodelay")
		return
	}
	p.noDelay = on
}

func (p *PCB) NoDelay() bool { return p.noDelay }

func (p *PCB) Close() lwip.Err {
	if p.freed {
		p.sim.misuse(p, "close")
		return lwip.ErrClsd
	}
	if err := p.sim.faults.CloseErr; err != lwip.ErrOK {
		return err
	}
	switch p.state {
	case lwip.Listen:
		delete(p.sim.listeners, p.local.Port())
		p.free(lwip.Closed)
	case lwip.Established, lwip.CloseWait:
		p.flush()
		if p.peer != nil && !p.peer.freed {
			p.peer.inbox = append(p.peer.inbox, segment{fin: true})
		}
		next := lwip.FinWait1
		if p.state == lwip.CloseWait {
			next = lwip.LastAck
		}
		p.free(next)
	default:
		p.free(lwip.Closed)
	}
	return lwip.ErrOK
}

func (p *PCB) Abort() {
	if p.freed {
		p.sim.misuse(p, "abort")
		return
	}
	p.sim.stats.Aborts++
	if p.state == lwip.Listen {
		delete(p.sim.listeners, p.local.Port())
	}
	p.aborted = true
	p.resetPeer()
	errFn := p.errFn
	p.free(lwip.Closed)
	if errFn != nil {
		errFn(lwip.ErrAbrt)
	}
}

// resetPeer schedules an RST for the other end of the connection.
func (p *PCB) resetPeer() {
	if peer := p.peer; peer != nil && !peer.freed {
		p.sim.after(0, func() { peer.reset() })
	}
}

// reset frees p and reports ErrRst through its error callback.
func (p *PCB) reset() {
	if p.freed {
		return
	}
	errFn := p.errFn
	p.free(lwip.Closed)
	if errFn != nil {
		errFn(lwip.ErrRst)
	}
}

func (p *PCB) free(state lwip.State) {
	p.freed = true
	p.state = state
	p.recv = nil
	p.sent = nil
	p.errFn = nil
	p.poll = nil
	p.accept = nil
	p.connected = nil
	if p.hsActive {
		p.hsActive = false
		p.sim.handshakes--
	}
}

// acked credits n bytes back to the send buffer and reports them.
func (p *PCB) acked(n int) {
	p.sndAvail = min(p.sndAvail+n, p.sim.cfg.SndBuf)
	for n > 0 && !p.freed && p.sent != nil {
		chunk := min(n, 0xffff)
		n -= chunk
		p.sim.reply(p, p.sent(uint16(chunk)))
	}
}

func (p *PCB) OnRecv(fn lwip.RecvFunc) {
	if p.freed {
		if fn != nil {
			p.sim.misuse(p, "on_recv")
		}
		return
	}
	p.recv = fn
}

func (p *PCB) OnSent(fn lwip.SentFunc) {
	if p.freed {
		if fn != nil {
			p.sim.misuse(p, "on_sent")
		}
		return
	}
	p.sent = fn
}

func (p *PCB) OnErr(fn lwip.ErrFunc) {
	if p.freed {
		if fn != nil {
			p.sim.misuse(p, "on_err")
		}
		return
	}
	p.errFn = fn
}

func (p *PCB) OnPoll(fn lwip.PollFunc, interval uint8) {
	if p.freed {
		if fn != nil {
			p.sim.misuse(p, "on_poll")
		}
		return
	}
	p.poll = fn
	p.pollInterval = interval
	p.pollCount = 0
}

func (p *PCB) OnAccept(fn lwip.AcceptFunc) {
	if p.freed {
		if fn != nil {
			p.sim.misuse(p, "on_accept")
		}
		return
	}
	p.accept = fn
}

func (p *PCB) StartHandshake(server bool, done func(), fail func(err lwip.Err)) lwip.Err {
	if p.freed {
		p.sim.misuse(p, "handshake")
		return lwip.ErrClsd
	}
	if p.hsActive || p.hsDone {
		return lwip.ErrAlready
	}
	p.hsActive = true
	p.sim.handshakes++
	p.sim.after(p.sim.cfg.HandshakeDelay, func() {
		if p.freed || !p.hsActive {
			return
		}
		p.hsActive = false
		p.sim.handshakes--
		if p.sim.faults.FailHandshake {
			fail(lwip.ErrConn)
			return
		}
		p.hsDone = true
		done()
	})
	return lwip.ErrOK
}

func (p *PCB) HandshakeDone() bool { return p.hsDone }

func (p *PCB) FreeSecure() {
	if p.hsActive {
		p.hsActive = false
		p.sim.handshakes--
	}
}
