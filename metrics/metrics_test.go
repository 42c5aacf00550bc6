package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.Opened("client")
	m.Opened("client")
	m.Closed("client", "close")
	m.Acked(100, 20*time.Millisecond)
	m.Received(42)
	m.Rejected("access")
	m.SetPending(3)
	m.ErrorEvent("recv_cb")
	m.AckTimeout()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TotalConnections.WithLabelValues("client")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections.WithLabelValues("client")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionClosed.WithLabelValues("client", "close")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.BytesSent))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.BytesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AcceptRejected.WithLabelValues("access")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PendingSockets))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorEvents.WithLabelValues("recv_cb")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AckTimeouts))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Opened("server")
		m.Closed("server", "abort")
		m.Acked(1, time.Second)
		m.Received(1)
		m.Rejected("limit")
		m.SetPending(0)
		m.ErrorEvent("aborted")
		m.AckTimeout()
	})
}
