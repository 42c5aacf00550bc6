package netstack

import (
	"context"
	"crypto/tls"

	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
)

// StartHandshake runs a TLS handshake on the connection. The reader and
// writer start only after it succeeds, so no plaintext is exchanged.
func (p *pcb) StartHandshake(server bool, done func(), fail func(err lwip.Err)) lwip.Err {
	if p.freed {
		p.misuse("handshake")
		return lwip.ErrClsd
	}
	if p.conn == nil || p.state != lwip.Established {
		return lwip.ErrConn
	}
	if p.hsActive || p.hsDone || p.ioStarted {
		return lwip.ErrAlready
	}
	cfg := p.s.cfg.ClientTLS
	if server {
		cfg = p.s.cfg.ServerTLS
	}
	if cfg == nil {
		log.Warn().Uint64("pcb", p.id).Bool("server", server).Msg("no TLS configuration")
		return lwip.ErrArg
	}

	var tc *tls.Conn
	if server {
		tc = tls.Server(p.conn, cfg)
	} else {
		tc = tls.Client(p.conn, cfg)
	}
	p.hsActive = true
	p.s.handshakes++

	s := p.s
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		defer cancel()
		err := tc.HandshakeContext(ctx)
		s.post(func() { p.handshakeFinished(tc, err, done, fail) })
		return nil
	})
	return lwip.ErrOK
}

func (p *pcb) handshakeFinished(tc *tls.Conn, err error, done func(), fail func(err lwip.Err)) {
	if p.hsActive {
		p.hsActive = false
		p.s.handshakes--
	}
	if p.freed {
		return
	}
	if err != nil {
		log.Debug().Uint64("pcb", p.id).Err(err).Msg("tls handshake failed")
		fail(lwip.ErrConn)
		return
	}
	p.tlsConn = tc
	p.conn = tc
	p.hsDone = true
	state := tc.ConnectionState()
	log.Debug().
		Uint64("pcb", p.id).
		Str("version", tls.VersionName(state.Version)).
		Str("cipher", tls.CipherSuiteName(state.CipherSuite)).
		Msg("tls handshake done")
	p.maybeStartIO()
	done()
}

func (p *pcb) HandshakeDone() bool { return p.hsDone }

// FreeSecure forgets the session. The TLS layer stays on the connection,
// which is about to be closed anyway.
func (p *pcb) FreeSecure() {
	p.hsDone = false
}
