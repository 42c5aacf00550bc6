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

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPrinter_ConnectWriteFlush(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, nil, func(c *Client) {
		c.OnData(func(c *Client, data []byte) { c.Write(bytes.ToUpper(data)) })
	})

	p := NewPrinter(NewClient(sim, nil), nil)
	var echoed []byte
	p.OnData(func(p *Printer, data []byte) { echoed = append(echoed, data...) })

	require.NoError(t, p.Connect(testContext(t), loopback, srv.Addr().Port()))
	require.True(t, p.Connected())

	n, err := p.WriteString("hello printer")
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	require.NoError(t, p.Flush(testContext(t)))
	assert.Zero(t, p.Queued())

	sim.Advance(time.Second)
	require.Len(t, acc.clients, 1)
	assert.Equal(t, "HELLO PRINTER", string(echoed))
}

func TestPrinter_LargeWrite(t *testing.T) {
	sim := newSim(t, func(cfg *simnet.Config) { cfg.SndBuf = 536 })
	srv, acc := listen(t, sim, nil, nil)
	p := NewPrinter(NewClient(sim, nil), nil)
	require.NoError(t, p.Connect(testContext(t), loopback, srv.Addr().Port()))

	payload := bytes.Repeat([]byte("printer "), 1000)
	n, err := p.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, len(payload)-536, p.Queued())

	require.NoError(t, p.Flush(testContext(t)))
	sim.Step()
	assert.True(t, bytes.Equal(payload, acc.rec[0].data))
}

func TestPrinter_BudgetExhausted(t *testing.T) {
	sim := newSim(t, func(cfg *simnet.Config) { cfg.SndBuf = 100 })
	srv, _ := listen(t, sim, nil, nil)
	p := NewPrinter(NewClient(sim, nil), &PrinterConfig{SegmentSize: 64, MaxQueued: 128})
	require.NoError(t, p.Connect(testContext(t), loopback, srv.Addr().Port()))

	n, err := p.Write(make([]byte, 1000))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 128, n)
}

func TestPrinter_ConnectFailures(t *testing.T) {
	sim := newSim(t)

	p := NewPrinter(NewClient(sim, nil), nil)
	err := p.Connect(testContext(t), loopback, 9)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, p.Connected())

	err = p.ConnectHost(testContext(t), "nowhere.invalid", 80)
	assert.ErrorIs(t, err, ErrConnectFailed)

	_, err = p.WriteString("x")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPrinter_ConnectHost(t *testing.T) {
	sim := newSim(t)
	srv, _ := listen(t, sim, nil, nil)
	p := NewPrinter(NewClient(sim, nil), nil)
	require.NoError(t, p.ConnectHost(testContext(t), "localhost", srv.Addr().Port()))
	assert.True(t, p.Client().Connected())
}

func TestPrinter_CloseDropsQueue(t *testing.T) {
	sim := newSim(t, func(cfg *simnet.Config) { cfg.SndBuf = 10 })
	srv, _ := listen(t, sim, nil, nil)
	p := NewPrinter(NewClient(sim, nil), nil)
	closed := 0
	p.OnClose(func(p *Printer) { closed++ })
	require.NoError(t, p.Connect(testContext(t), loopback, srv.Addr().Port()))

	p.WriteString("more than ten bytes")
	require.Positive(t, p.Queued())
	Do(sim, p.Close)
	assert.Zero(t, p.Queued())
	assert.Equal(t, 1, closed)

	err := p.Flush(testContext(t))
	assert.NoError(t, err, "nothing left to flush")
}

func TestPrinter_FlushFromCallbackFailsWithCoreLocked(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, nil, nil)
	p := NewPrinter(NewClient(sim, nil), nil)

	var flushErr error
	p.OnData(func(p *Printer, data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		flushErr = p.Flush(ctx)
	})
	require.NoError(t, p.Connect(testContext(t), loopback, srv.Addr().Port()))

	acc.clients[0].WriteString("ping")
	sim.Step()
	assert.ErrorIs(t, flushErr, ErrCoreLocked)
	assert.ErrorIs(t, flushErr, context.DeadlineExceeded)
}
