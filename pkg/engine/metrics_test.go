package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Add(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.Add("shield.denied", 1, map[string]string{"rule": "anonymous:global-1m"})
	rec.Add("shield.denied", 2, map[string]string{"rule": "anonymous:global-1m"})
	rec.Add("shield.check", 1, nil)

	require.Equal(t, float64(3), testutil.ToFloat64(
		rec.counters["shield.denied"].WithLabelValues("anonymous:global-1m"),
	))
	require.Equal(t, float64(1), testutil.ToFloat64(rec.counters["shield.check"].WithLabelValues()))
}

func TestPrometheusRecorder_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.Observe("shield.latency", 0.002, nil)
	rec.Observe("shield.latency", 0.004, nil)

	count, err := testutil.GatherAndCount(reg, "shield_latency")
	require.NoError(t, err)
	require.Equal(t, 1, count, "one family under the dotted name's underscore form")
}

func TestNoOpMetricsRecorder(t *testing.T) {
	var rec MetricsRecorder = NoOpMetricsRecorder{}
	rec.Add("shield.check", 1, nil)
	rec.Observe("shield.latency", 0.1, nil)
}
