package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordClaim("ok", time.Millisecond)
		m.RecordClaimOutcome("ok")
		m.RecordTransition("idle", "running")
		m.RecordStaleReclaimed(2)
		m.RecordScheduleTick(time.Millisecond, 1, 0, 0)
		m.RecordNotifyFailure()
		m.RecordHTTP("GET", "/health", "200", time.Millisecond)
	})
}

func TestRecordScheduleTick(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	m.RecordScheduleTick(time.Millisecond, 2, 1, 0)
	m.RecordScheduleTick(time.Millisecond, 1, 0, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ScheduleTicksTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ScheduleResultsTotal.WithLabelValues("created")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ScheduleResultsTotal.WithLabelValues("error")))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("test", prometheus.NewRegistry())
		New("test", prometheus.NewRegistry())
	})
}
