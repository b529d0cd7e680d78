package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/registry"
	"github.com/EvgeniiDev/proxy-load-balancer/stats"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := &config.Config{
		MaxRetries:              3,
		OverloadBackoffBaseSecs: 30,
		Proxies: []config.Upstream{
			{Host: "10.0.0.1", Port: 1080},
			{Host: "10.0.0.2", Port: 1080},
		},
	}
	return registry.New(cfg)
}

func TestCollectorExportsPerUpstreamMetrics(t *testing.T) {
	reg := testRegistry(t)
	u := reg.All()[0]
	reg.MarkSuccess(u)
	reg.MarkFailure(u)

	reg2 := prometheus.NewRegistry()
	require.NoError(t, reg2.Register(stats.NewCollector(reg)))

	families, err := reg2.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	require.True(t, found["proxylb_upstream_requests_total"])
	require.True(t, found["proxylb_upstream_successes_total"])
	require.True(t, found["proxylb_upstream_failures_total"])
	require.True(t, found["proxylb_upstream_state"])
	require.True(t, found["proxylb_registry_size"])
}

func TestCollectorReflectsLiveCounters(t *testing.T) {
	reg := testRegistry(t)
	u := reg.All()[0]
	reg.MarkSuccess(u)

	promReg := prometheus.NewRegistry()
	require.NoError(t, promReg.Register(stats.NewCollector(reg)))

	families, err := promReg.Gather()
	require.NoError(t, err)

	var successMetric *dto.Metric
	for _, mf := range families {
		if mf.GetName() != "proxylb_upstream_successes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "upstream" && l.GetValue() == u.Key() {
					successMetric = m
				}
			}
		}
	}
	require.NotNil(t, successMetric)
	require.Equal(t, float64(1), successMetric.GetCounter().GetValue())
}

func TestSnapshotsReportsEveryUpstream(t *testing.T) {
	reg := testRegistry(t)
	snaps := stats.Snapshots(reg)
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		require.Equal(t, "available", s.State)
	}
}
