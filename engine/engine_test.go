package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`{
		"server": {"host": "127.0.0.1", "port": 0},
		"proxies": [{"host": "10.0.0.1", "port": 1080}]
	}`))
	require.NoError(t, err)
	return cfg
}

func TestNewBuildsRegistryFromConfig(t *testing.T) {
	e := engine.New(testConfig(t), nil)
	require.Equal(t, 1, e.Registry().Len())
}

func TestReconfigureReconcilesRegistry(t *testing.T) {
	cfg := testConfig(t)
	e := engine.New(cfg, nil)

	cfg2, err := config.Parse([]byte(`{
		"server": {"host": "127.0.0.1", "port": 0},
		"proxies": [
			{"host": "10.0.0.1", "port": 1080},
			{"host": "10.0.0.2", "port": 1080}
		],
		"load_balancing_algorithm": "round_robin"
	}`))
	require.NoError(t, err)

	require.NoError(t, e.Reconfigure(cfg2))
	require.Equal(t, 2, e.Registry().Len())
}

func TestShutdownWithoutStartIsSafe(t *testing.T) {
	e := engine.New(testConfig(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}
