package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	doc := `{
		"server": {"host": "127.0.0.1", "port": 8080},
		"proxies": [{"host": "10.0.0.1", "port": 1080}]
	}`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, AlgorithmRandom, cfg.LoadBalancingAlgorithm)
	require.Equal(t, DefaultHealthCheckInterval, cfg.HealthCheckIntervalSecs)
	require.Equal(t, 5, cfg.RestCheckIntervalSecs)
	require.Equal(t, DefaultConnectionTimeout, cfg.ConnectionTimeoutSecs)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultOverloadBackoffBaseSecs, cfg.OverloadBackoffBaseSecs)
}

func TestParseRestCheckIntervalDerivedFromHealthCheck(t *testing.T) {
	doc := `{
		"server": {"host": "127.0.0.1", "port": 8080},
		"proxies": [{"host": "10.0.0.1", "port": 1080}],
		"health_check_interval": 120
	}`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, 20, cfg.RestCheckIntervalSecs)
}

func TestParseRejectsEmptyProxyList(t *testing.T) {
	doc := `{"server": {"host": "127.0.0.1", "port": 8080}, "proxies": []}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseRejectsDuplicateUpstream(t *testing.T) {
	doc := `{
		"server": {"host": "127.0.0.1", "port": 8080},
		"proxies": [
			{"host": "10.0.0.1", "port": 1080},
			{"host": "10.0.0.1", "port": 1080}
		]
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	doc := `{
		"server": {"host": "127.0.0.1", "port": 8080},
		"proxies": [{"host": "10.0.0.1", "port": 1080}],
		"load_balancing_algorithm": "least_conn"
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestUpstreamAddr(t *testing.T) {
	u := Upstream{Host: "10.0.0.1", Port: 1080}
	require.Equal(t, "10.0.0.1:1080", u.Addr())
}

func TestProxyRestCap(t *testing.T) {
	cfg := &Config{ProxyRestDurationSecs: 0}
	require.Equal(t, time.Duration(0), cfg.ProxyRestCap())
	cfg.ProxyRestDurationSecs = 120
	require.Equal(t, 120*time.Second, cfg.ProxyRestCap())
}
