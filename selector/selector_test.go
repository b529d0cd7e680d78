package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/registry"
)

func testPool(n int) []*registry.Upstream {
	cfg := &config.Config{MaxRetries: 3, OverloadBackoffBaseSecs: 1}
	for i := 0; i < n; i++ {
		cfg.Proxies = append(cfg.Proxies, config.Upstream{Host: "10.0.0.1", Port: 1000 + i})
	}
	return registry.New(cfg).All()
}

func TestRoundRobinCyclesThroughPool(t *testing.T) {
	pool := testPool(3)
	s := New(RoundRobin)

	var order []string
	for i := 0; i < 6; i++ {
		u, ok := s.Select(pool, nil)
		require.True(t, ok)
		order = append(order, u.Key())
	}
	require.Equal(t, order[0:3], order[3:6], "a full cycle must repeat identically")

	seen := map[string]int{}
	for _, k := range order {
		seen[k]++
	}
	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 2, count)
	}
}

func TestRoundRobinSkipsTried(t *testing.T) {
	pool := testPool(3)
	s := New(RoundRobin)

	first, ok := s.Select(pool, nil)
	require.True(t, ok)

	tried := map[string]struct{}{first.Key(): {}}
	second, ok := s.Select(pool, tried)
	require.True(t, ok)
	require.NotEqual(t, first.Key(), second.Key())
}

func TestRoundRobinExhaustedReturnsFalse(t *testing.T) {
	pool := testPool(2)
	s := New(RoundRobin)
	tried := map[string]struct{}{
		pool[0].Key(): {},
		pool[1].Key(): {},
	}
	_, ok := s.Select(pool, tried)
	require.False(t, ok)
}

func TestRandomExcludesTried(t *testing.T) {
	pool := testPool(2)
	s := New(Random)
	tried := map[string]struct{}{pool[0].Key(): {}}
	for i := 0; i < 20; i++ {
		u, ok := s.Select(pool, tried)
		require.True(t, ok)
		require.Equal(t, pool[1].Key(), u.Key())
	}
}

func TestSelectEmptyPoolReturnsFalse(t *testing.T) {
	s := New(RoundRobin)
	_, ok := s.Select(nil, nil)
	require.False(t, ok)

	s = New(Random)
	_, ok = s.Select(nil, nil)
	require.False(t, ok)
}

func TestParseAlgorithm(t *testing.T) {
	require.Equal(t, RoundRobin, ParseAlgorithm(config.AlgorithmRoundRobin))
	require.Equal(t, Random, ParseAlgorithm(config.AlgorithmRandom))
	require.Equal(t, Random, ParseAlgorithm("unknown"))
}
