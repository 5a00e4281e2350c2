package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DriversSpawned.Inc()
	m.MessagesDispatched.WithLabelValues("query").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCountersIncrementIndependently(t *testing.T) {
	m := New(nil)
	m.DriversSpawned.Inc()
	m.DriversSpawned.Inc()
	require.Equal(t, float64(2), counterValue(t, m.DriversSpawned))

	m.UnknownIRQs.Inc()
	require.Equal(t, float64(1), counterValue(t, m.UnknownIRQs))
}

func TestLogicDevicesGaugeTracksSetValue(t *testing.T) {
	m := New(nil)
	m.LogicDevices.Set(3)

	var out dto.Metric
	require.NoError(t, m.LogicDevices.Write(&out))
	require.Equal(t, float64(3), out.GetGauge().GetValue())
}
