package reqcast

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.dispatchedWith(MethodPost, "success")
	m.refreshStarted()
	m.setPending(3)

	count, err := testutil.GatherAndCount(reg,
		"reqcast_requests_total",
		"reqcast_refresh_cycles_total",
		"reqcast_replay_queue_length",
	)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice on one registry should fail")
}

func TestNewMetricsUnregistered(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.replayed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replays))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// every recorder is a no-op on a nil receiver.
	m.dispatchedWith(MethodGet, "error")
	m.refreshStarted()
	m.replayed()
	m.replayInfoMissing()
	m.credentialsLost()
	m.setPending(1)
}
