package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegisterAttachesCollectorsToRegistry(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestObserveCycleIncrementsCounterAndHistogram(t *testing.T) {
	m := New()
	m.ObserveCycle(250*time.Millisecond, "ok")

	metric := &dto.Metric{}
	require.NoError(t, m.CycleDuration.(prometheus.Metric).Write(metric))
	require.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())

	require.Equal(t, float64(1), testCounterValue(t, m.CyclesTotal.WithLabelValues("ok")))
}

func TestObserveRecoveryRecordsMTTRByAction(t *testing.T) {
	m := New()
	m.ObserveRecovery("restart", 42*time.Second)

	metric := &dto.Metric{}
	require.NoError(t, m.RecoveryMTTR.WithLabelValues("restart").Write(metric))
	require.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, c.Write(metric))
	return metric.GetCounter().GetValue()
}
