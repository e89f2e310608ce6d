package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of a family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	return 0
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.worldsCreated)
	assert.NotNil(t, collector.opsDispatched)
	assert.NotNil(t, collector.opLatency)
	assert.NotNil(t, collector.teardownDuration)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordWorldCreated()
		collector.RecordWorldDegraded("fault")
		collector.RecordWorldClosed(time.Second)
		collector.RecordDispatch("SEND")
		collector.RecordRejected("SEND")
		collector.RecordCompleted("SEND", time.Millisecond, true)
		collector.RecordBatch(3)
	})
}

func TestWorldLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	collector.RecordWorldCreated()
	collector.RecordWorldCreated()
	assert.Equal(t, 2.0, counterValue(t, reg, "multiworld_worlds_active"))

	collector.RecordWorldDegraded("fault")
	collector.RecordWorldClosed(10 * time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, reg, "multiworld_worlds_created_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_worlds_degraded_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_worlds_closed_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_worlds_active"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_teardown_seconds"))
}

func TestOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	for i := 0; i < 5; i++ {
		collector.RecordDispatch("ALL_REDUCE")
	}
	collector.RecordRejected("SEND")
	collector.RecordCompleted("ALL_REDUCE", time.Millisecond, false)
	collector.RecordCompleted("ALL_REDUCE", time.Millisecond, true)
	collector.RecordBatch(4)

	assert.Equal(t, 5.0, counterValue(t, reg, "multiworld_ops_dispatched_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_ops_rejected_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_ops_failed_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "multiworld_op_latency_seconds"))
	assert.Equal(t, 1.0, counterValue(t, reg, "multiworld_batch_size"))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.RecordWorldCreated()

	srv := NewServer(0, reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "multiworld_worlds_created_total 1")
}
