package asynctcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esphome/asynctcp/lwip"
	"github.com/esphome/asynctcp/simnet"
)

// Tests drive the simulator from a single goroutine. Client and Server calls
// made directly from a test therefore run without the core lock, which is
// safe because nothing else touches the stack in between.

var loopback = netip.MustParseAddr("127.0.0.1")

func newSim(t *testing.T, opts ...func(*simnet.Config)) *simnet.Sim {
	t.Helper()
	cfg := simnet.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return simnet.New(cfg)
}

// recorder counts what a client reports through its callbacks.
type recorder struct {
	connects    int
	disconnects int
	errs        []lwip.Err
	acked       int
	data        []byte
	dataEvents  int
	timeouts    int
}

func record(c *Client) *recorder {
	r := &recorder{}
	c.OnConnect(func(c *Client) { r.connects++ })
	c.OnDisconnect(func(c *Client) { r.disconnects++ })
	c.OnError(func(c *Client, err lwip.Err) { r.errs = append(r.errs, err) })
	c.OnAck(func(c *Client, n int, _ time.Duration) { r.acked += n })
	c.OnData(func(c *Client, data []byte) {
		r.dataEvents++
		r.data = append(r.data, data...)
	})
	c.OnTimeout(func(c *Client, _ time.Duration) { r.timeouts++ })
	return r
}

// accepted collects the clients handed out by a server.
type accepted struct {
	clients []*Client
	rec     []*recorder
}

func (a *accepted) last() (*Client, *recorder) {
	return a.clients[len(a.clients)-1], a.rec[len(a.rec)-1]
}

// listen starts a server on an ephemeral port that records every accepted
// client. setup, if given, runs inside OnClient after recording starts.
func listen(t *testing.T, sim *simnet.Sim, cfg *ServerConfig, setup func(c *Client)) (*Server, *accepted) {
	t.Helper()
	srv := NewServer(sim, cfg)
	acc := &accepted{}
	srv.OnClient(func(c *Client) {
		acc.clients = append(acc.clients, c)
		acc.rec = append(acc.rec, record(c))
		if setup != nil {
			setup(c)
		}
	})
	require.NoError(t, srv.Begin())
	t.Cleanup(srv.End)
	return srv, acc
}

// dial connects a recorded client to srv and runs the simulator until the
// connection is established.
func dial(t *testing.T, sim *simnet.Sim, srv *Server) (*Client, *recorder) {
	t.Helper()
	c := NewClient(sim, nil)
	rec := record(c)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	require.True(t, c.Connected())
	return c, rec
}

func requireCleanContract(t *testing.T, sim *simnet.Sim) {
	t.Helper()
	st := sim.Stats()
	require.Zero(t, st.UseAfterFree, "calls on freed control blocks")
	require.Zero(t, st.BadAbortReplies, "ErrAbrt replied for a live control block")
	require.Zero(t, st.DoubleAborts, "ErrAbrt replied twice for one control block")
	require.Zero(t, st.StaleCallbacks, "callbacks left on a control block the stack dropped")
}
