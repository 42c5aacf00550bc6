package asynctcp

import (
	"context"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
)

// rxBaseline is the capacity the receive buffer returns to once drained.
const rxBaseline = 100

type rxMode int

const (
	rxNone rxMode = iota
	rxFree
	rxReadBytes
	rxTerminator
)

func (m rxMode) String() string {
	switch m {
	case rxNone:
		return "none"
	case rxFree:
		return "free"
	case rxReadBytes:
		return "read_bytes"
	case rxTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// BufferConfig configures a TCPBuffer.
type BufferConfig struct {
	PrinterConfig
	// RxBaseline is the receive buffer capacity kept while idle.
	RxBaseline int
}

// DefaultBufferConfig returns the write queue defaults of DefaultPrinterConfig
// and a 100 byte receive baseline.
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		PrinterConfig: *DefaultPrinterConfig(),
		RxBaseline:    rxBaseline,
	}
}

// TCPBuffer adds a queued write side and structured reads to a Client.
//
// Received bytes go to exactly one consumer at a time: the OnData callback
// (free mode), an armed ReadBytes, or an armed ReadStringUntil. Bytes nobody
// consumed stay buffered for the next consumer. A read armed while buffered
// bytes can satisfy it completes immediately.
//
// Every method needs the core lock except Flush, which must be called
// without it.
type TCPBuffer struct {
	client  *Client
	tx      *segmentChain
	stopped bool

	rx         []byte
	rxBaseline int
	mode       rxMode
	inRx       bool

	dataCB     func(data []byte) int
	bytesDone  func(ok bool, data []byte)
	stringDone func(ok bool, s string)
	want       int
	got        []byte
	term       byte

	disconnectCB func(b *TCPBuffer) bool
}

// NewTCPBuffer wraps c, taking over all of its callbacks. The buffer starts
// in free mode without a data callback, so received bytes accumulate until a
// consumer is set. A nil cfg uses DefaultBufferConfig.
func NewTCPBuffer(c *Client, cfg *BufferConfig) *TCPBuffer {
	if cfg == nil {
		cfg = DefaultBufferConfig()
	}
	baseline := cfg.RxBaseline
	if baseline <= 0 {
		baseline = rxBaseline
	}
	b := &TCPBuffer{
		client:     c,
		tx:         newSegmentChain(cfg.SegmentSize, cfg.MaxQueued),
		rx:         make([]byte, 0, baseline),
		rxBaseline: baseline,
		mode:       rxFree,
	}
	b.attach()
	return b
}

func (b *TCPBuffer) attach() {
	c := b.client
	c.OnConnect(func(c *Client) { b.send() })
	c.OnPoll(func(c *Client) { b.send() })
	c.OnAck(func(c *Client, n int, elapsed time.Duration) { b.send() })
	c.OnData(func(c *Client, data []byte) { b.rxData(data) })
	c.OnTimeout(func(c *Client, elapsed time.Duration) { c.Close(false) })
	c.OnDisconnect(func(c *Client) { b.disconnected() })
}

// Write queues p and starts sending. It returns a short count with
// ErrOutOfMemory when the write queue budget is exhausted.
func (b *TCPBuffer) Write(p []byte) (int, error) {
	if !b.Connected() {
		return 0, ErrNotConnected
	}
	n := b.tx.write(p)
	b.send()
	if n < len(p) {
		return n, ErrOutOfMemory
	}
	return n, nil
}

// WriteString is Write for strings.
func (b *TCPBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// WriteByte queues a single byte.
func (b *TCPBuffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

// Flush waits until the write queue is empty or the connection is gone.
func (b *TCPBuffer) Flush(ctx context.Context) error {
	var left int
	err := waitFor(ctx, b.client.stack, func() bool {
		b.send()
		left = b.tx.available()
		return left == 0 || !b.Connected()
	})
	if err != nil {
		return err
	}
	if left > 0 {
		return ErrNotConnected
	}
	return nil
}

func (b *TCPBuffer) send() {
	if b.tx.available() == 0 || !b.Connected() {
		return
	}
	b.tx.drain(b.client)
}

// OnData switches to free mode. fn sees buffered bytes first and returns how
// many it consumed; the rest stay buffered. The slice is only valid during
// the call.
func (b *TCPBuffer) OnData(fn func(data []byte) int) {
	b.mode = rxNone
	b.bytesDone, b.stringDone = nil, nil
	b.dataCB = fn
	b.mode = rxFree
	b.process()
}

// ReadBytes arms a fixed-length read. done receives exactly n bytes, or
// ok=false if the connection goes away first.
func (b *TCPBuffer) ReadBytes(n int, done func(ok bool, data []byte)) {
	if n <= 0 {
		if done != nil {
			done(true, nil)
		}
		return
	}
	b.mode = rxNone
	b.stringDone = nil
	b.bytesDone = done
	b.want = n
	b.got = make([]byte, 0, n)
	b.mode = rxReadBytes
	b.process()
}

// ReadStringUntil arms a delimited read. done receives the bytes before the
// terminator (or a 0x00 byte, which also ends the string); the terminator is
// consumed.
func (b *TCPBuffer) ReadStringUntil(term byte, done func(ok bool, s string)) {
	b.mode = rxNone
	b.bytesDone = nil
	b.stringDone = done
	b.term = term
	b.got = b.got[:0]
	b.mode = rxTerminator
	b.process()
}

// NoCallback stops delivering received bytes; they accumulate until a
// consumer is set again.
func (b *TCPBuffer) NoCallback() {
	b.mode = rxNone
	b.dataCB = nil
	b.bytesDone, b.stringDone = nil, nil
}

// OnDisconnect sets the disconnect callback. When it returns true (or when
// none is set) the buffer drops its queues and releases the client.
func (b *TCPBuffer) OnDisconnect(fn func(b *TCPBuffer) bool) {
	b.disconnectCB = fn
}

// Buffered returns the received bytes no consumer has taken yet.
func (b *TCPBuffer) Buffered() int {
	return len(b.rx)
}

// Queued returns the bytes waiting to be sent.
func (b *TCPBuffer) Queued() int {
	return b.tx.available()
}

// Connected reports whether the buffer is running on a live connection.
func (b *TCPBuffer) Connected() bool {
	return !b.stopped && b.client.Connected()
}

// RemoteIP returns the peer's IP address.
func (b *TCPBuffer) RemoteIP() netip.Addr { return b.client.RemoteIP() }

// RemotePort returns the peer's port.
func (b *TCPBuffer) RemotePort() uint16 { return b.client.RemotePort() }

// Client returns the wrapped client.
func (b *TCPBuffer) Client() *Client { return b.client }

// Stop closes the connection on the next poll tick and fails an armed read.
func (b *TCPBuffer) Stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	b.client.Stop()
	b.failRead()
}

// Close closes the connection now and fails an armed read.
func (b *TCPBuffer) Close() {
	b.stopped = true
	b.failRead()
	b.client.Close(true)
}

func (b *TCPBuffer) disconnected() {
	b.stopped = true
	b.failRead()
	release := true
	if b.disconnectCB != nil {
		release = b.disconnectCB(b)
	}
	if release {
		if n := b.tx.available(); n > 0 {
			log.Debug().Str("id", b.client.shortID()).Int("dropped", n).Msg("buffer released with queued data")
		}
		b.tx.reset()
		b.rx = nil
		b.client.Release()
	}
}

// failRead completes an armed fixed-length or delimited read with ok=false.
func (b *TCPBuffer) failRead() {
	switch b.mode {
	case rxReadBytes:
		b.mode = rxNone
		if done := b.bytesDone; done != nil {
			b.bytesDone = nil
			done(false, nil)
		}
	case rxTerminator:
		b.mode = rxNone
		if done := b.stringDone; done != nil {
			b.stringDone = nil
			done(false, "")
		}
	default:
		b.mode = rxNone
	}
}

// rxData consumes fresh bytes directly while nothing is buffered, then
// buffers the rest and offers the buffer to the current consumer.
func (b *TCPBuffer) rxData(data []byte) {
	if !b.Connected() {
		return
	}
	b.inRx = true
	if b.mode != rxNone {
		handled := b.handle(data)
		data = data[handled:]
		if len(b.rx) == 0 {
			for b.mode != rxNone && handled != 0 && len(data) > 0 {
				handled = b.handle(data)
				data = data[handled:]
			}
		}
	}
	if len(data) > 0 {
		b.rx = append(b.rx, data...)
	}
	b.inRx = false
	b.process()
}

// process offers buffered bytes to the consumer until it stops making
// progress. Reads armed from inside a delivery are picked up by the
// delivery itself.
func (b *TCPBuffer) process() {
	if b.inRx {
		return
	}
	for b.mode != rxNone && len(b.rx) > 0 && b.Connected() {
		before, mode := len(b.rx), b.mode
		b.inRx = true
		b.handle(nil)
		b.inRx = false
		if len(b.rx) == before && b.mode == mode {
			break
		}
	}
	if len(b.rx) == 0 && cap(b.rx) != b.rxBaseline {
		b.rx = make([]byte, 0, b.rxBaseline)
	}
}

func (b *TCPBuffer) consumeRx(n int) {
	b.rx = b.rx[n:]
}

// handle gives buffered bytes and then data to the current consumer and
// returns how many bytes of data were consumed.
func (b *TCPBuffer) handle(data []byte) int {
	if !b.Connected() {
		return 0
	}
	buffered := len(b.rx)

	switch b.mode {
	case rxFree:
		if b.dataCB == nil {
			return 0
		}
		r := 0
		if buffered > 0 {
			r = clamp(b.dataCB(b.rx), 0, buffered)
			b.consumeRx(r)
		}
		if r == buffered && len(data) > 0 && b.mode == rxFree && b.dataCB != nil {
			return clamp(b.dataCB(data), 0, len(data))
		}
		return 0

	case rxReadBytes:
		if buffered > 0 {
			n := min(buffered, b.want-len(b.got))
			b.got = append(b.got, b.rx[:n]...)
			b.consumeRx(n)
		}
		fresh := 0
		if len(b.rx) == 0 && len(data) > 0 {
			fresh = min(len(data), b.want-len(b.got))
			b.got = append(b.got, data[:fresh]...)
		}
		if len(b.got) == b.want {
			got := b.got
			b.got = nil
			b.mode = rxNone
			if done := b.bytesDone; done != nil {
				b.bytesDone = nil
				done(true, got)
			}
		}
		return fresh

	case rxTerminator:
		for len(b.rx) > 0 {
			c := b.rx[0]
			b.consumeRx(1)
			if c == b.term || c == 0x00 {
				b.finishString()
				return 0
			}
			b.got = append(b.got, c)
		}
		for i, c := range data {
			if c == b.term || c == 0x00 {
				b.finishString()
				return i + 1
			}
			b.got = append(b.got, c)
		}
		return len(data)
	}
	return 0
}

func (b *TCPBuffer) finishString() {
	s := string(b.got)
	b.got = b.got[:0]
	b.mode = rxNone
	if done := b.stringDone; done != nil {
		b.stringDone = nil
		done(true, s)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
