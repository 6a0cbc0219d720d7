package installer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.transition(StateCreated)
	m.transition(StateWriting)
	m.transition(StateWriting)
	m.commit("success", 1500*time.Millisecond)
	m.commit("timeout", 0)
	m.abandon(nil)
	m.abandon(errors.New("nope"))
	m.wrote(4096)
	m.wrote(8192)
	m.synced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("writing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandons.WithLabelValues("error")))
	assert.Equal(t, 12288.0, testutil.ToFloat64(m.bytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fsyncs))

	n, err := testutil.GatherAndCount(reg, "installsession_commit_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.transition(StateCreated)
	m.commit("success", time.Second)
	m.abandon(nil)
	m.wrote(1)
	m.synced()
}
