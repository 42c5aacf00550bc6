package asynctcp

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esphome/asynctcp/lwip"
	"github.com/esphome/asynctcp/metrics"
	"github.com/esphome/asynctcp/simnet"
)

// switchGate is a Gate the test opens and closes by hand.
type switchGate struct{ busy bool }

func (g *switchGate) Busy() bool { return g.busy }

func TestServer_BeginEnd(t *testing.T) {
	sim := newSim(t)
	srv := NewServer(sim, nil)
	assert.Equal(t, lwip.Closed, srv.Status())

	require.NoError(t, srv.Begin())
	assert.Equal(t, lwip.Listen, srv.Status())
	port := srv.Addr().Port()
	assert.GreaterOrEqual(t, port, uint16(49152))
	require.NoError(t, srv.Begin(), "second Begin is a no-op")
	assert.Equal(t, port, srv.Addr().Port())
	assert.Equal(t, 1, sim.Live())

	srv.End()
	assert.Equal(t, lwip.Closed, srv.Status())
	assert.Zero(t, sim.Live())
	srv.End()

	c := NewClient(sim, nil)
	rec := record(c)
	require.True(t, c.Connect(loopback, port))
	sim.Step()
	assert.Equal(t, []lwip.Err{lwip.ErrRst}, rec.errs, "nobody listens after End")
}

func TestServer_BeginFailures(t *testing.T) {
	sim := newSim(t)
	first, _ := listen(t, sim, nil, nil)

	second := NewServer(sim, &ServerConfig{Port: first.Addr().Port()})
	err := second.Begin()
	require.Error(t, err)
	assert.True(t, errors.Is(err, lwip.ErrUse))
	assert.Equal(t, lwip.Closed, second.Status())
	assert.Equal(t, 1, sim.Live(), "failed listener is released")

	sim.SetFaults(simnet.Faults{FailNewPCB: true})
	err = NewServer(sim, nil).Begin()
	assert.ErrorIs(t, err, lwip.ErrMem)
}

func TestServer_NoHandlerClosesSockets(t *testing.T) {
	sim := newSim(t)
	srv := NewServer(sim, nil)
	require.NoError(t, srv.Begin())
	defer srv.End()

	c := NewClient(sim, nil)
	rec := record(c)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Equal(t, 1, rec.connects)
	assert.Equal(t, 1, rec.disconnects, "rejected socket is closed gracefully")
	assert.Empty(t, rec.errs)
	requireCleanContract(t, sim)
}

func TestServer_AccessList(t *testing.T) {
	tests := []struct {
		name   string
		access *AccessListConfig
		admit  bool
	}{
		{"disabled", DefaultAccessListConfig(), true},
		{"whitelisted", &AccessListConfig{Mode: AccessListModeWhitelist, Entries: []string{"127.0.0.0/8"}}, true},
		{"not whitelisted", &AccessListConfig{Mode: AccessListModeWhitelist, Entries: []string{"10.0.0.1"}}, false},
		{"blacklisted", &AccessListConfig{Mode: AccessListModeBlacklist, Entries: []string{"127.0.0.1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newSim(t)
			srv, acc := listen(t, sim, &ServerConfig{Access: tt.access}, nil)
			c := NewClient(sim, nil)
			rec := record(c)
			require.True(t, c.Connect(loopback, srv.Addr().Port()))
			sim.Step()
			if tt.admit {
				assert.Len(t, acc.clients, 1)
				assert.True(t, c.Connected())
			} else {
				assert.Empty(t, acc.clients)
				assert.Equal(t, 1, rec.disconnects)
			}
		})
	}
}

func TestServer_AccessListEdits(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, &ServerConfig{Access: &AccessListConfig{Mode: AccessListModeBlacklist}}, nil)

	srv.AddAccessEntry("127.0.0.1")
	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Empty(t, acc.clients)

	srv.RemoveAccessEntry("127.0.0.1")
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Len(t, acc.clients, 1)

	srv.SetAccessList(&AccessListConfig{Mode: AccessListModeWhitelist, Entries: []string{"192.168.0.0/16"}})
	c2 := NewClient(sim, nil)
	require.True(t, c2.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Len(t, acc.clients, 1)
}

func TestServer_ConcurrentLimitAborts(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, &ServerConfig{
		Limits: &ConnectionLimitsConfig{MaxConcurrent: 1, Action: LimitActionAbort},
	}, nil)

	first, _ := dial(t, sim, srv)
	assert.Equal(t, 1, srv.ActiveConnections())

	second := NewClient(sim, nil)
	rec := record(second)
	require.True(t, second.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Len(t, acc.clients, 1)
	assert.Equal(t, []lwip.Err{lwip.ErrRst}, rec.errs)
	st := sim.Stats()
	assert.Equal(t, 1, st.AbortReplies, "accept reports the abort")
	requireCleanContract(t, sim)

	first.Close(true)
	sim.Step()
	assert.Zero(t, srv.ActiveConnections(), "closing releases the slot")

	third := NewClient(sim, nil)
	require.True(t, third.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Len(t, acc.clients, 2)
}

func TestServer_RateLimitCloses(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, &ServerConfig{
		Limits: &ConnectionLimitsConfig{MaxConnsPerMinute: 2, DisableRejectLogging: true},
	}, nil)

	for i := 0; i < 3; i++ {
		c := NewClient(sim, nil)
		require.True(t, c.Connect(loopback, srv.Addr().Port()))
		sim.Step()
	}
	assert.Len(t, acc.clients, 2)
	assert.Zero(t, sim.Stats().AbortReplies, "close action does not abort")

	sim.Advance(61 * time.Second)
	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Len(t, acc.clients, 3, "window slides")
}

func TestServer_PendingQueuePromotesWhenGateOpens(t *testing.T) {
	sim := newSim(t)
	gate := &switchGate{busy: true}
	var got []byte
	srv, acc := listen(t, sim, nil, func(c *Client) {
		c.OnData(func(c *Client, data []byte) { got = append(got, data...) })
	})
	srv.SetGate(gate)

	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	require.True(t, c.Connected(), "the peer sees an established socket")
	assert.Equal(t, 1, srv.Pending())
	assert.Empty(t, acc.clients)

	c.WriteString("early")
	sim.Advance(time.Second)
	assert.Empty(t, acc.clients, "gate still busy")

	gate.busy = false
	sim.Advance(simnet.DefaultConfig().PollInterval)
	require.Len(t, acc.clients, 1)
	assert.Zero(t, srv.Pending())
	assert.Equal(t, "early", string(got), "buffered bytes are replayed")

	c.WriteString(" late")
	sim.Step()
	assert.Equal(t, "early late", string(got))
	requireCleanContract(t, sim)
}

func TestServer_QueueNonEmptyKeepsOrder(t *testing.T) {
	sim := newSim(t)
	gate := &switchGate{busy: true}
	srv, acc := listen(t, sim, nil, nil)
	srv.SetGate(gate)

	for i := 0; i < 2; i++ {
		c := NewClient(sim, nil)
		require.True(t, c.Connect(loopback, srv.Addr().Port()))
		sim.Step()
	}
	assert.Equal(t, 2, srv.Pending())

	gate.busy = false
	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	assert.Equal(t, 3, srv.Pending(), "a non-empty queue keeps new sockets waiting")

	sim.Advance(simnet.DefaultConfig().PollInterval)
	assert.Len(t, acc.clients, 3)
	assert.Zero(t, srv.Pending())
}

func TestServer_PendingPeerCloses(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, nil, nil)
	srv.SetGate(&switchGate{busy: true})

	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	require.Equal(t, 1, srv.Pending())
	require.Equal(t, 1, srv.ActiveConnections())

	c.Close(true)
	sim.Step()
	assert.Zero(t, srv.Pending())
	assert.Zero(t, srv.ActiveConnections())
	assert.Empty(t, acc.clients)
	assert.Equal(t, 1, sim.Live(), "only the listener is left")
	requireCleanContract(t, sim)
}

func TestServer_PendingPeerResets(t *testing.T) {
	sim := newSim(t)
	srv, _ := listen(t, sim, nil, nil)
	srv.SetGate(&switchGate{busy: true})

	c := NewClient(sim, nil)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	c.Abort()
	sim.Step()
	assert.Zero(t, srv.Pending())
	assert.Zero(t, srv.ActiveConnections())
	requireCleanContract(t, sim)
}

func TestServer_PendingOverflowAborts(t *testing.T) {
	sim := newSim(t)
	srv, _ := listen(t, sim, &ServerConfig{PendingBufferSize: 4}, nil)
	srv.SetGate(&switchGate{busy: true})

	c := NewClient(sim, nil)
	rec := record(c)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()

	c.WriteString("too much")
	sim.Step()
	assert.Zero(t, srv.Pending())
	assert.Equal(t, []lwip.Err{lwip.ErrRst}, rec.errs)
	assert.Equal(t, 1, sim.Stats().AbortReplies)
	requireCleanContract(t, sim)
}

func TestServer_PendingFullRejects(t *testing.T) {
	sim := newSim(t)
	srv, _ := listen(t, sim, &ServerConfig{MaxPending: 1}, nil)
	srv.SetGate(&switchGate{busy: true})

	c1 := NewClient(sim, nil)
	require.True(t, c1.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	c2 := NewClient(sim, nil)
	rec := record(c2)
	require.True(t, c2.Connect(loopback, srv.Addr().Port()))
	sim.Step()

	assert.Equal(t, 1, srv.Pending())
	assert.Equal(t, 1, rec.disconnects)
	assert.Equal(t, 1, srv.ActiveConnections(), "rejected socket releases its slot")
}

func TestServer_EndDropsPending(t *testing.T) {
	sim := newSim(t)
	srv := NewServer(sim, nil)
	srv.OnClient(func(c *Client) {})
	srv.SetGate(&switchGate{busy: true})
	require.NoError(t, srv.Begin())

	c := NewClient(sim, nil)
	rec := record(c)
	require.True(t, c.Connect(loopback, srv.Addr().Port()))
	sim.Step()
	require.Equal(t, 1, srv.Pending())

	srv.End()
	assert.Zero(t, srv.Pending())
	assert.Zero(t, srv.ActiveConnections())
	sim.Step()
	assert.Equal(t, 1, rec.disconnects)
	assert.Zero(t, sim.Live())
	requireCleanContract(t, sim)
}

func TestServer_SecureWithHandshakeGate(t *testing.T) {
	sim := newSim(t)
	srv, acc := listen(t, sim, &ServerConfig{Secure: true}, nil)
	srv.SetGate(sim.HandshakeGate())

	clients := make([]*Client, 2)
	for i := range clients {
		clients[i] = NewClient(sim, nil)
		require.True(t, clients[i].ConnectSecure(loopback, srv.Addr().Port()))
	}
	sim.Step()
	assert.NotZero(t, srv.Pending(), "handshakes in flight keep sockets queued")

	sim.Advance(time.Second)
	assert.Zero(t, srv.Pending())
	require.Len(t, acc.clients, 2)
	for i, c := range clients {
		assert.True(t, c.Connected(), "client %d", i)
		assert.True(t, acc.clients[i].Connected(), "server side %d", i)
		assert.True(t, acc.clients[i].NoDelay(), "secure sockets disable Nagle")
	}
	requireCleanContract(t, sim)
}

func TestServer_InteractiveProfileDisablesNagle(t *testing.T) {
	tests := []struct {
		profile TrafficProfile
		noDelay bool
		want    bool
	}{
		{ProfileBulk, false, false},
		{ProfileBulk, true, true},
		{ProfileInteractive, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			sim := newSim(t)
			srv, acc := listen(t, sim, &ServerConfig{Profile: tt.profile, NoDelay: tt.noDelay}, nil)
			dial(t, sim, srv)
			require.Len(t, acc.clients, 1)
			assert.Equal(t, tt.want, acc.clients[0].NoDelay())
		})
	}
}

func TestServer_ErrorEventsAndMetrics(t *testing.T) {
	sim := newSim(t)
	reg := prometheus.NewRegistry()
	m := metrics.New("asynctcp", reg)
	srv, acc := listen(t, sim, &ServerConfig{Metrics: m}, nil)

	c, _ := dial(t, sim, srv)
	c.Abort()
	sim.Step()
	require.Len(t, acc.rec, 1)
	assert.Equal(t, []lwip.Err{lwip.ErrRst}, acc.rec[0].errs)
	assert.Equal(t, map[ErrorEvent]int{eventErrorCB: 1}, srv.ErrorEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorEvents.WithLabelValues("error_cb")))

	srv.accept(nil, lwip.ErrMem)
	assert.Equal(t, 1, srv.ErrorEvents()[eventAcceptCB])
}

func TestServer_Addr(t *testing.T) {
	sim := newSim(t)
	srv := NewServer(sim, &ServerConfig{Addr: netip.MustParseAddr("127.0.0.1"), Port: 8080})
	assert.Equal(t, "127.0.0.1:8080", srv.Addr().String())
	srv.SetNoDelay(true)
	assert.True(t, srv.NoDelay())
	require.NoError(t, srv.Begin())
	defer srv.End()
	assert.Equal(t, "127.0.0.1:8080", srv.Addr().String())
}
