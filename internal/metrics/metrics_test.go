package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Job("extract", "ok", time.Second)
	m.DualRead("rules", "mismatch", []string{"confidence"})
	m.Release(3)
	m.ModelCache(true)
}

func TestDualReadCountsFieldNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DualRead("rules", "mismatch", []string{"confidence", "revision"})
	m.DualRead("rules", "match", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dualReads.WithLabelValues("rules", "mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dualReads.WithLabelValues("rules", "match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dualReadFields.WithLabelValues("rules", "confidence")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestReleaseSetsVersionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Release(4)
	m.Release(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.releaseVersion))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.releases))
}
