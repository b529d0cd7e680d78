// Package config holds the JSON configuration snapshot for the proxy
// load balancer: the listen address, the upstream SOCKS5 pool, the
// selection algorithm, and the health-check and backoff tuning
// constants.
//
// Loading and validating a document is in scope; watching a file for
// changes and reloading it on SIGHUP is not — that orchestration is an
// external collaborator's job (see engine.Reconfigure).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Algorithm names recognized in load_balancing_algorithm.
const (
	AlgorithmRandom     = "random"
	AlgorithmRoundRobin = "round_robin"
)

// Defaults applied to any zero-valued tuning field.
const (
	DefaultHealthCheckInterval     = 30
	DefaultConnectionTimeout       = 30
	DefaultMaxRetries              = 3
	DefaultOverloadBackoffBaseSecs = 30
	DefaultProxyRestDuration       = 300
	DefaultAlgorithm               = AlgorithmRandom
	minRestCheckInterval           = 5
)

// Upstream identifies one SOCKS5 peer in the pool.
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the "host:port" dial string for this upstream.
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Server is the bind address for the HTTP proxy listener.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the "host:port" listen string.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config is the immutable configuration snapshot for one run of the
// balancer. A new Config is produced whenever the document is
// (re)loaded; the registry reconciles against it atomically.
type Config struct {
	Server                  Server     `json:"server"`
	Proxies                 []Upstream `json:"proxies"`
	LoadBalancingAlgorithm  string     `json:"load_balancing_algorithm"`
	HealthCheckIntervalSecs int        `json:"health_check_interval"`
	RestCheckIntervalSecs   int        `json:"rest_check_interval"`
	ConnectionTimeoutSecs   int        `json:"connection_timeout"`
	MaxRetries              int        `json:"max_retries"`
	OverloadBackoffBaseSecs int        `json:"overload_backoff_base_secs"`
	ProxyRestDurationSecs   int        `json:"proxy_rest_duration"`
}

// Load reads, parses, and validates a JSON configuration document from
// disk, applying defaults for any zero-valued tuning field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a JSON configuration document from memory. Exported
// separately from Load so callers that already hold the bytes (e.g. an
// admin API, in a fuller deployment) need not round-trip through disk.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LoadBalancingAlgorithm == "" {
		c.LoadBalancingAlgorithm = DefaultAlgorithm
	}
	if c.HealthCheckIntervalSecs == 0 {
		c.HealthCheckIntervalSecs = DefaultHealthCheckInterval
	}
	if c.RestCheckIntervalSecs == 0 {
		c.RestCheckIntervalSecs = max(minRestCheckInterval, c.HealthCheckIntervalSecs/6)
	}
	if c.ConnectionTimeoutSecs == 0 {
		c.ConnectionTimeoutSecs = DefaultConnectionTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.OverloadBackoffBaseSecs == 0 {
		c.OverloadBackoffBaseSecs = DefaultOverloadBackoffBaseSecs
	}
	if c.ProxyRestDurationSecs == 0 {
		c.ProxyRestDurationSecs = DefaultProxyRestDuration
	}
}

// Validate checks the document for the errors an operator is most likely
// to make; it does not attempt to reach any upstream.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("config: server.host is required")
	}
	// Port 0 binds an ephemeral port chosen by the OS.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if len(c.Proxies) == 0 {
		return fmt.Errorf("config: at least one entry is required in proxies")
	}
	seen := make(map[string]struct{}, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.Host == "" {
			return fmt.Errorf("config: proxies[].host is required")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("config: proxies[].port %d out of range", p.Port)
		}
		key := p.Addr()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate upstream %s", key)
		}
		seen[key] = struct{}{}
	}
	switch c.LoadBalancingAlgorithm {
	case AlgorithmRandom, AlgorithmRoundRobin:
	default:
		return fmt.Errorf("config: unknown load_balancing_algorithm %q", c.LoadBalancingAlgorithm)
	}
	if c.HealthCheckIntervalSecs <= 0 {
		return fmt.Errorf("config: health_check_interval must be positive")
	}
	if c.RestCheckIntervalSecs <= 0 {
		return fmt.Errorf("config: rest_check_interval must be positive")
	}
	if c.ConnectionTimeoutSecs <= 0 {
		return fmt.Errorf("config: connection_timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: max_retries must be positive")
	}
	if c.OverloadBackoffBaseSecs <= 0 {
		return fmt.Errorf("config: overload_backoff_base_secs must be positive")
	}
	if c.ProxyRestDurationSecs < 0 {
		return fmt.Errorf("config: proxy_rest_duration must not be negative")
	}
	return nil
}

// HealthCheckInterval is the configured full-probe cadence as a Duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

// RestCheckInterval is the configured resting-eligibility cadence.
func (c *Config) RestCheckInterval() time.Duration {
	return time.Duration(c.RestCheckIntervalSecs) * time.Second
}

// ConnectionTimeout bounds every per-upstream I/O operation.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// OverloadBackoffBase is the base of the exponential backoff formula
// base·2^(overload_count-1) used by mark_overloaded.
func (c *Config) OverloadBackoffBase() time.Duration {
	return time.Duration(c.OverloadBackoffBaseSecs) * time.Second
}

// ProxyRestCap is the optional hard cap on computed rest duration; zero
// means uncapped. See DESIGN.md for the reconciliation between the
// exponential backoff formula and this cap.
func (c *Config) ProxyRestCap() time.Duration {
	if c.ProxyRestDurationSecs == 0 {
		return 0
	}
	return time.Duration(c.ProxyRestDurationSecs) * time.Second
}
