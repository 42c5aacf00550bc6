package asynctcp

import (
	"context"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
)

// PrinterConfig configures the write queue of a Printer or TCPBuffer.
type PrinterConfig struct {
	// SegmentSize is the capacity of one queued segment.
	SegmentSize int
	// MaxQueued bounds the bytes waiting to be sent; 0 means unbounded.
	MaxQueued int
}

// DefaultPrinterConfig queues up to 16 segments of one MSS each.
func DefaultPrinterConfig() *PrinterConfig {
	return &PrinterConfig{
		SegmentSize: DefaultSegmentSize,
		MaxQueued:   16 * DefaultSegmentSize,
	}
}

// Printer is a buffered writer over a Client. Writes are queued and sent as
// the connection acknowledges earlier data, so Write never blocks and never
// drops bytes it accepted.
//
// Write, Close and the setters need the core lock. Connect and Flush wait for
// the stack and must be called without it.
type Printer struct {
	client *Client
	tx     *segmentChain

	dataCB  func(p *Printer, data []byte)
	closeCB func(p *Printer)
}

// NewPrinter wraps c. A nil cfg uses DefaultPrinterConfig.
func NewPrinter(c *Client, cfg *PrinterConfig) *Printer {
	if cfg == nil {
		cfg = DefaultPrinterConfig()
	}
	p := &Printer{
		client: c,
		tx:     newSegmentChain(cfg.SegmentSize, cfg.MaxQueued),
	}
	p.attach()
	return p
}

func (p *Printer) attach() {
	c := p.client
	c.OnConnect(func(c *Client) { p.send() })
	c.OnAck(func(c *Client, n int, elapsed time.Duration) { p.send() })
	c.OnPoll(func(c *Client) { p.send() })
	c.OnTimeout(func(c *Client, elapsed time.Duration) { c.Close(false) })
	c.OnData(func(c *Client, data []byte) {
		if p.dataCB != nil {
			p.dataCB(p, data)
		}
	})
	c.OnDisconnect(func(c *Client) {
		if n := p.tx.available(); n > 0 {
			log.Debug().Str("id", c.shortID()).Int("dropped", n).Msg("printer closed with queued data")
		}
		p.tx.reset()
		if p.closeCB != nil {
			p.closeCB(p)
		}
	})
}

// Connect opens the underlying client to addr:port and waits until it is
// connected or the attempt failed.
func (p *Printer) Connect(ctx context.Context, addr netip.Addr, port uint16) error {
	stack := p.client.stack
	started := false
	if err := withLock(ctx, stack, func() {
		if p.client.Connected() {
			started = true
			return
		}
		started = p.client.Connect(addr, port)
	}); err != nil {
		return err
	}
	if !started {
		return ErrConnectFailed
	}
	return p.waitConnected(ctx)
}

// ConnectHost is Connect with name resolution.
func (p *Printer) ConnectHost(ctx context.Context, host string, port uint16) error {
	stack := p.client.stack
	started := false
	if err := withLock(ctx, stack, func() {
		started = p.client.Connected() || p.client.ConnectHost(host, port)
	}); err != nil {
		return err
	}
	if !started {
		return ErrConnectFailed
	}
	return p.waitConnected(ctx)
}

func (p *Printer) waitConnected(ctx context.Context) error {
	var connected bool
	err := waitFor(ctx, p.client.stack, func() bool {
		connected = p.client.Connected()
		// A host lookup in flight has no control block yet.
		return connected || (p.client.pcb == nil && !p.client.resolving) || p.client.Disconnecting()
	})
	if err != nil {
		return err
	}
	if !connected {
		return ErrConnectFailed
	}
	return nil
}

// Write queues b and starts sending. It returns a short count with
// ErrOutOfMemory when the queue budget is exhausted.
func (p *Printer) Write(b []byte) (int, error) {
	if !p.client.Connected() {
		return 0, ErrNotConnected
	}
	n := p.tx.write(b)
	p.send()
	if n < len(b) {
		return n, ErrOutOfMemory
	}
	return n, nil
}

// WriteString is Write for strings.
func (p *Printer) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// Flush waits until every queued byte was handed to the stack.
func (p *Printer) Flush(ctx context.Context) error {
	var left int
	var connected bool
	err := waitFor(ctx, p.client.stack, func() bool {
		p.send()
		left = p.tx.available()
		connected = p.client.Connected()
		return left == 0 || !connected
	})
	if err != nil {
		return err
	}
	if left > 0 {
		return ErrNotConnected
	}
	return nil
}

// Queued returns the bytes waiting to be sent.
func (p *Printer) Queued() int {
	return p.tx.available()
}

func (p *Printer) send() {
	if p.tx.available() == 0 || !p.client.Connected() {
		return
	}
	p.tx.drain(p.client)
}

// Connected reports whether the underlying client is connected.
func (p *Printer) Connected() bool { return p.client.Connected() }

// Client returns the wrapped client.
func (p *Printer) Client() *Client { return p.client }

// Close closes the connection immediately; queued data is dropped.
func (p *Printer) Close() {
	p.client.Close(true)
}

// OnData receives data sent by the peer.
func (p *Printer) OnData(fn func(p *Printer, data []byte)) { p.dataCB = fn }

// OnClose fires once the connection is gone.
func (p *Printer) OnClose(fn func(p *Printer)) { p.closeCB = fn }
