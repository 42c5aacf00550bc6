package asynctcp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esphome/asynctcp/simnet"
)

// bufferPair wraps the accepted side of a new connection in a TCPBuffer and
// returns it with the dialing client.
func bufferPair(t *testing.T, sim *simnet.Sim, cfg *BufferConfig) (*TCPBuffer, *Client, *recorder) {
	t.Helper()
	var b *TCPBuffer
	srv, _ := listen(t, sim, nil, func(c *Client) { b = NewTCPBuffer(c, cfg) })
	c, rec := dial(t, sim, srv)
	require.NotNil(t, b)
	return b, c, rec
}

func TestTCPBuffer_DelimitedRead(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	var lines []string
	b.ReadStringUntil('\n', func(ok bool, s string) {
		require.True(t, ok)
		lines = append(lines, s)
	})
	c.WriteString("ab\ncd")
	sim.Step()
	assert.Equal(t, []string{"ab"}, lines)
	assert.Equal(t, 2, b.Buffered(), "bytes after the terminator stay buffered")

	var got []byte
	b.ReadBytes(2, func(ok bool, data []byte) {
		require.True(t, ok)
		got = data
	})
	assert.Equal(t, "cd", string(got), "a read armed on buffered bytes completes at once")
	assert.Zero(t, b.Buffered())
}

func TestTCPBuffer_DelimitedReadStopsAtNUL(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	c.Write([]byte("key\x00rest;"))
	sim.Step()
	require.Equal(t, 9, b.Buffered())

	var first, second string
	b.ReadStringUntil(';', func(ok bool, s string) {
		first = s
		b.ReadStringUntil(';', func(ok bool, s string) { second = s })
	})
	assert.Equal(t, "key", first)
	assert.Equal(t, "rest", second, "a read armed from the callback continues with the rest")
	assert.Zero(t, b.Buffered())
}

func TestTCPBuffer_ReadBytesAcrossSegments(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	var got []byte
	calls := 0
	b.ReadBytes(6, func(ok bool, data []byte) {
		calls++
		got = data
	})
	c.WriteString("abc")
	sim.Step()
	assert.Zero(t, calls)

	c.WriteString("defg")
	sim.Step()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "abcdef", string(got))
	assert.Equal(t, 1, b.Buffered())
}

func TestTCPBuffer_FreeModeConsumesInPieces(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	var got []byte
	b.OnData(func(data []byte) int {
		n := min(2, len(data))
		got = append(got, data[:n]...)
		return n
	})
	c.WriteString("hello world")
	sim.Step()
	assert.Equal(t, "hello world", string(got))
	assert.Zero(t, b.Buffered())
}

func TestTCPBuffer_BytesWaitForConsumer(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	c.WriteString("queued")
	sim.Step()
	assert.Equal(t, 6, b.Buffered(), "free mode without a callback keeps everything")

	var got []byte
	b.OnData(func(data []byte) int {
		got = append(got, data...)
		return len(data)
	})
	assert.Equal(t, "queued", string(got))
	assert.Zero(t, b.Buffered())

	b.NoCallback()
	c.WriteString("more")
	sim.Step()
	assert.Equal(t, "queued", string(got))
	assert.Equal(t, 4, b.Buffered())
}

func TestTCPBuffer_StopFailsArmedReadOnce(t *testing.T) {
	sim := newSim(t)
	b, _, rec := bufferPair(t, sim, nil)

	calls := 0
	b.ReadBytes(10, func(ok bool, data []byte) {
		calls++
		assert.False(t, ok)
		assert.Nil(t, data)
	})
	b.Stop()
	assert.Equal(t, 1, calls)
	assert.False(t, b.Connected())

	sim.Advance(time.Second)
	assert.Equal(t, 1, calls, "disconnect does not fail the read again")
	assert.Equal(t, 1, rec.disconnects, "stop closes on the next poll")
}

func TestTCPBuffer_DisconnectFailsArmedRead(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)

	var results []bool
	b.ReadStringUntil('\n', func(ok bool, s string) { results = append(results, ok) })
	released := false
	b.OnDisconnect(func(b *TCPBuffer) bool {
		released = true
		return true
	})
	c.WriteString("partial")
	sim.Step()
	c.Abort()
	sim.Step()

	assert.Equal(t, []bool{false}, results)
	assert.True(t, released)
	assert.True(t, b.Client().released)
	assert.Zero(t, b.Buffered())
	requireCleanContract(t, sim)
}

func TestTCPBuffer_OnDisconnectCanKeepClient(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, nil)
	b.OnDisconnect(func(b *TCPBuffer) bool { return false })

	c.Close(true)
	sim.Step()
	assert.False(t, b.Client().released)
	assert.False(t, b.Connected())
}

func TestTCPBuffer_WriteQueuesBeyondSendBuffer(t *testing.T) {
	sim := newSim(t)
	b, _, rec := bufferPair(t, sim, nil)

	payload := bytes.Repeat([]byte("0123456789"), 1000)
	n, err := b.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Positive(t, b.Queued())

	sim.Step()
	assert.Zero(t, b.Queued())
	assert.True(t, bytes.Equal(payload, rec.data))
}

func TestTCPBuffer_WriteBudget(t *testing.T) {
	sim := newSim(t, func(cfg *simnet.Config) { cfg.SndBuf = 100 })
	cfg := DefaultBufferConfig()
	cfg.SegmentSize = 50
	cfg.MaxQueued = 200
	b, _, rec := bufferPair(t, sim, cfg)

	n, err := b.Write(bytes.Repeat([]byte("a"), 500))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 200, n)

	require.NoError(t, b.WriteByte('b'))
	require.NoError(t, b.Flush(context.Background()))
	sim.Step()
	assert.Len(t, rec.data, 201)
}

func TestTCPBuffer_WriteAfterClose(t *testing.T) {
	sim := newSim(t)
	b, c, rec := bufferPair(t, sim, nil)
	assert.Equal(t, loopback, b.RemoteIP())
	assert.Equal(t, c.LocalPort(), b.RemotePort())

	b.Close()
	_, err := b.WriteString("x")
	assert.ErrorIs(t, err, ErrNotConnected)
	sim.Step()
	assert.Equal(t, 1, rec.disconnects)
}

func TestTCPBuffer_RxBufferReturnsToBaseline(t *testing.T) {
	sim := newSim(t)
	b, c, _ := bufferPair(t, sim, &BufferConfig{RxBaseline: 16})

	c.Write(bytes.Repeat([]byte("z"), 500))
	sim.Step()
	require.Equal(t, 500, b.Buffered())
	assert.GreaterOrEqual(t, cap(b.rx), 500)

	b.OnData(func(data []byte) int { return len(data) })
	assert.Zero(t, b.Buffered())
	assert.Equal(t, 16, cap(b.rx))
}

func TestRxModeString(t *testing.T) {
	assert.Equal(t, "none", rxNone.String())
	assert.Equal(t, "free", rxFree.String())
	assert.Equal(t, "read_bytes", rxReadBytes.String())
	assert.Equal(t, "terminator", rxTerminator.String())
	assert.Equal(t, "unknown", rxMode(9).String())
}
