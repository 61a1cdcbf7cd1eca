package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnected(true)
		m.IncReconnect()
		m.IncFrame("routed")
		m.IncHandlerPanic("PNL_UPDATE")
		m.SetTimersActive(3)
		m.IncFallbackTick("pnl")
		m.IncFeedUpdate("pnl", "poll", true)
		m.IncFetchError("pnl")
		m.SetStatus("live", []string{"live"})
	})
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnected(true)
	m.IncReconnect()
	m.IncReconnect()
	m.IncFeedUpdate("wallet_balance", "push", true)
	m.IncFeedUpdate("wallet_balance", "poll", false)
	m.SetStatus("fallback_polling", []string{"live", "fallback_polling"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedUpdates.WithLabelValues("wallet_balance", "poll", "stale")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.status.WithLabelValues("live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.status.WithLabelValues("fallback_polling")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
