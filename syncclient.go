package asynctcp

import (
	"context"
	"io"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/esphome/asynctcp/lwip"
)

// SyncClientConfig configures a SyncClient.
type SyncClientConfig struct {
	// TxBufferSize is how many bytes Write queues before it waits for the
	// connection to accept more.
	TxBufferSize int
	// Timeout bounds the methods that take no context (Read, Write, Close
	// and the accessors). Zero means wait forever.
	Timeout time.Duration
	Client  *ClientConfig
}

// DefaultSyncClientConfig returns a one-MSS write buffer and a 5 s timeout.
func DefaultSyncClientConfig() *SyncClientConfig {
	return &SyncClientConfig{
		TxBufferSize: DefaultSegmentSize,
		Timeout:      5 * time.Second,
		Client:       DefaultClientConfig(),
	}
}

type rxSegment struct {
	data []byte
	size int
}

// syncConn is the connection state shared by a SyncClient and its clones.
type syncConn struct {
	client *Client
	tx     *segmentChain
	rx     []rxSegment
	closed bool
	refs   int
}

func (sc *syncConn) connected() bool {
	return !sc.closed && sc.client.Connected()
}

func (sc *syncConn) send() {
	if sc.tx.available() == 0 || !sc.connected() {
		return
	}
	sc.tx.drain(sc.client)
}

func (sc *syncConn) available() int {
	n := 0
	for _, seg := range sc.rx {
		n += len(seg.data)
	}
	return n
}

// read drains whole segments, acknowledging each one, then reads part of
// the next if p has room left.
func (sc *syncConn) read(p []byte) int {
	n := 0
	for len(sc.rx) > 0 && len(p)-n >= len(sc.rx[0].data) {
		seg := sc.rx[0]
		sc.rx = sc.rx[1:]
		n += copy(p[n:], seg.data)
		if sc.connected() {
			sc.client.Ack(seg.size)
		}
	}
	if len(sc.rx) > 0 && n < len(p) {
		k := copy(p[n:], sc.rx[0].data)
		sc.rx[0].data = sc.rx[0].data[k:]
		n += k
	}
	return n
}

// SyncClient is a blocking facade over a Client for code that prefers
// io.Reader and io.Writer. Its methods wait by yielding to the stack, so they
// must be called without the core lock; from inside a stack callback they
// fail with ErrCoreLocked once their context ends.
//
// Clones share one connection. The connection is aborted when the last clone
// is closed.
type SyncClient struct {
	stack lwip.Stack
	cfg   *SyncClientConfig
	conn  *syncConn
}

var (
	_ io.ReadWriteCloser = (*SyncClient)(nil)
	_ io.ByteReader      = (*SyncClient)(nil)
	_ io.ByteWriter      = (*SyncClient)(nil)
)

// NewSyncClient creates an unconnected client. A nil cfg uses
// DefaultSyncClientConfig.
func NewSyncClient(stack lwip.Stack, cfg *SyncClientConfig) *SyncClient {
	if cfg == nil {
		cfg = DefaultSyncClientConfig()
	}
	if cfg.TxBufferSize <= 0 {
		cfg.TxBufferSize = DefaultSegmentSize
	}
	return &SyncClient{stack: stack, cfg: cfg}
}

func (s *SyncClient) opContext() (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.Timeout)
	}
	return context.WithCancel(context.Background())
}

// Connect opens a connection to addr:port and waits for the outcome. It
// fails if this client is already connected.
func (s *SyncClient) Connect(ctx context.Context, addr netip.Addr, port uint16) error {
	return s.connect(ctx, func(c *Client) bool { return c.Connect(addr, port) })
}

// ConnectHost resolves host and connects to it.
func (s *SyncClient) ConnectHost(ctx context.Context, host string, port uint16) error {
	return s.connect(ctx, func(c *Client) bool { return c.ConnectHost(host, port) })
}

func (s *SyncClient) connect(ctx context.Context, start func(c *Client) bool) error {
	var sc *syncConn
	var startErr error
	err := withLock(ctx, s.stack, func() {
		if s.conn != nil && s.conn.connected() {
			startErr = ErrConnectFailed
			return
		}
		s.dropLocked()
		sc = &syncConn{client: NewClient(s.stack, s.cfg.Client), refs: 1}
		s.attach(sc)
		if !start(sc.client) {
			sc.client.Release()
			startErr = ErrConnectFailed
			return
		}
		s.conn = sc
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	var connected bool
	err = waitFor(ctx, s.stack, func() bool {
		c := sc.client
		connected = sc.connected()
		return connected || sc.closed || c.Disconnecting() || (c.pcb == nil && !c.resolving)
	})
	if err != nil {
		_ = withLock(context.Background(), s.stack, func() { s.dropLocked() })
		return err
	}
	if !connected {
		return ErrConnectFailed
	}
	return nil
}

func (s *SyncClient) attach(sc *syncConn) {
	c := sc.client
	c.OnConnect(func(c *Client) {
		sc.tx = newSegmentChain(s.cfg.TxBufferSize, s.cfg.TxBufferSize)
	})
	c.OnAck(func(c *Client, n int, elapsed time.Duration) { sc.send() })
	c.OnData(func(c *Client, data []byte) {
		c.AckLater()
		sc.rx = append(sc.rx, rxSegment{data: append([]byte(nil), data...), size: len(data)})
	})
	c.OnTimeout(func(c *Client, elapsed time.Duration) { c.Close(false) })
	c.OnDisconnect(func(c *Client) {
		sc.closed = true
		if sc.tx != nil {
			sc.tx.reset()
		}
	})
}

// dropLocked releases this handle's reference to its connection.
func (s *SyncClient) dropLocked() {
	sc := s.conn
	if sc == nil {
		return
	}
	s.conn = nil
	sc.refs--
	if sc.refs > 0 {
		return
	}
	c := sc.client
	c.OnData(nil)
	c.OnAck(nil)
	c.OnPoll(nil)
	c.Abort()
	c.Release()
	sc.rx = nil
	log.Debug().Str("id", c.shortID()).Msg("sync client released")
}

// Clone returns another handle on the same connection.
func (s *SyncClient) Clone() *SyncClient {
	ctx, cancel := s.opContext()
	defer cancel()
	clone := &SyncClient{stack: s.stack, cfg: s.cfg}
	_ = withLock(ctx, s.stack, func() {
		if s.conn != nil {
			s.conn.refs++
			clone.conn = s.conn
		}
	})
	return clone
}

// Refs returns how many handles share the connection.
func (s *SyncClient) Refs() int {
	if s.conn == nil {
		return 0
	}
	return s.conn.refs
}

// Close drops this handle. The last handle aborts the connection.
func (s *SyncClient) Close() error {
	ctx, cancel := s.opContext()
	defer cancel()
	return withLock(ctx, s.stack, s.dropLocked)
}

// Write queues p and sends it as the connection accepts data, waiting while
// the write buffer is full. It uses the configured timeout.
func (s *SyncClient) Write(p []byte) (int, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	return s.WriteContext(ctx, p)
}

// WriteContext is Write bounded by ctx.
func (s *SyncClient) WriteContext(ctx context.Context, p []byte) (int, error) {
	sc := s.conn
	if sc == nil {
		return 0, ErrNotConnected
	}
	written := 0
	var failed error
	err := waitFor(ctx, s.stack, func() bool {
		if !sc.connected() || sc.tx == nil {
			failed = ErrNotConnected
			return true
		}
		written += sc.tx.write(p[written:])
		sc.send()
		return written == len(p)
	})
	if err != nil {
		return written, err
	}
	return written, failed
}

// WriteByte writes a single byte.
func (s *SyncClient) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

// Read waits until data is available and reads it. It returns io.EOF once
// the connection is closed and every received byte was read.
func (s *SyncClient) Read(p []byte) (int, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	return s.ReadContext(ctx, p)
}

// ReadContext is Read bounded by ctx.
func (s *SyncClient) ReadContext(ctx context.Context, p []byte) (int, error) {
	sc := s.conn
	if sc == nil {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	eof := false
	err := waitFor(ctx, s.stack, func() bool {
		if sc.available() > 0 {
			n = sc.read(p)
			return true
		}
		eof = !sc.connected()
		return eof
	})
	if err != nil {
		return 0, err
	}
	if eof {
		return 0, io.EOF
	}
	return n, nil
}

// ReadByte reads a single byte, blocking like Read.
func (s *SyncClient) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Peek returns the next received byte without consuming it.
func (s *SyncClient) Peek() (byte, bool) {
	var b byte
	var ok bool
	s.locked(func(sc *syncConn) {
		if len(sc.rx) > 0 && len(sc.rx[0].data) > 0 {
			b, ok = sc.rx[0].data[0], true
		}
	})
	return b, ok
}

// Available returns the received bytes not read yet.
func (s *SyncClient) Available() int {
	n := 0
	s.locked(func(sc *syncConn) { n = sc.available() })
	return n
}

// Flush waits until the write buffer was handed to the stack.
func (s *SyncClient) Flush(ctx context.Context) error {
	sc := s.conn
	if sc == nil {
		return ErrNotConnected
	}
	var failed error
	err := waitFor(ctx, s.stack, func() bool {
		if !sc.connected() || sc.tx == nil {
			failed = ErrNotConnected
			return true
		}
		sc.send()
		return sc.tx.available() == 0
	})
	if err != nil {
		return err
	}
	return failed
}

// Stop closes the connection now. Buffered received data stays readable.
func (s *SyncClient) Stop() {
	s.locked(func(sc *syncConn) { sc.client.Close(true) })
}

// SetTimeout sets the idle receive timeout of the connection in seconds.
func (s *SyncClient) SetTimeout(seconds uint32) {
	s.locked(func(sc *syncConn) { sc.client.SetRxTimeout(seconds) })
}

// Status is the TCP state of the connection.
func (s *SyncClient) Status() lwip.State {
	st := lwip.Closed
	s.locked(func(sc *syncConn) {
		if !sc.closed {
			st = sc.client.State()
		}
	})
	return st
}

// Connected reports whether the shared connection is up.
func (s *SyncClient) Connected() bool {
	ok := false
	s.locked(func(sc *syncConn) { ok = sc.connected() })
	return ok
}

// locked runs fn on the connection under the core lock; it does nothing
// without a connection or when the lock cannot be taken in time.
func (s *SyncClient) locked(fn func(sc *syncConn)) {
	sc := s.conn
	if sc == nil {
		return
	}
	ctx, cancel := s.opContext()
	defer cancel()
	if err := withLock(ctx, s.stack, func() { fn(sc) }); err != nil {
		log.Debug().Err(err).Msg("sync client call skipped")
	}
}
