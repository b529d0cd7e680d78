// Package engine wires the Registry, Prober, Selector, Forwarder, and
// Listener together into one running proxy, and owns the config
// snapshot swap that a reload applies.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/forwarder"
	"github.com/EvgeniiDev/proxy-load-balancer/listener"
	"github.com/EvgeniiDev/proxy-load-balancer/prober"
	"github.com/EvgeniiDev/proxy-load-balancer/registry"
	"github.com/EvgeniiDev/proxy-load-balancer/selector"
	"github.com/EvgeniiDev/proxy-load-balancer/socksdial"
)

// defaultProbeTarget is the reference destination each liveness probe
// SOCKS5-connects to through a candidate upstream. A bare TCP connect-and-
// close against a well-known, broadly-reachable host is enough evidence
// of liveness without sending any application traffic through it.
const defaultProbeTarget = "1.1.1.1:443"

// Engine owns one running instance of the proxy: its Registry, its
// background Prober, and its HTTP Listener.
type Engine struct {
	mu sync.Mutex

	registry  *registry.Registry
	selector  *selector.Selector
	dialer    *socksdial.Dialer
	forwarder *forwarder.Forwarder
	prober    *prober.Prober
	listener  *listener.Listener
	logger    *zap.Logger

	proberCancel context.CancelFunc
}

// New builds an Engine from a loaded Config. It does not start accepting
// connections or probing upstreams until Start is called.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := registry.New(cfg)
	sel := selector.New(selector.ParseAlgorithm(cfg.LoadBalancingAlgorithm))
	dialer := socksdial.New(cfg.ConnectionTimeout())
	fwd := forwarder.New(reg, sel, dialer, cfg.ConnectionTimeout(), logger)
	hp := prober.New(reg, dialer, prober.Config{
		HealthCheckInterval: cfg.HealthCheckInterval(),
		RestCheckInterval:   cfg.RestCheckInterval(),
		ConnectionTimeout:   cfg.ConnectionTimeout(),
		ProbeTarget:         defaultProbeTarget,
	}, logger)
	lst := listener.New(fwd, listener.Config{
		Addr: cfg.Server.Addr(),
	}, logger)

	return &Engine{
		registry:  reg,
		selector:  sel,
		dialer:    dialer,
		forwarder: fwd,
		prober:    hp,
		listener:  lst,
		logger:    logger.Named("engine"),
	}
}

// Registry exposes the running Registry, for a status/metrics endpoint.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Start launches the background prober and the HTTP listener. It blocks
// until the listener stops.
func (e *Engine) Start(ctx context.Context) error {
	proberCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.proberCancel = cancel
	e.mu.Unlock()

	e.prober.Start(proberCtx)
	e.logger.Info("engine started")

	if err := e.listener.Start(); err != nil {
		return fmt.Errorf("engine: listener: %w", err)
	}
	return nil
}

// Shutdown stops the listener (bounded by ctx), then stops the prober.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("engine shutting down")
	err := e.listener.Stop(ctx)

	e.mu.Lock()
	cancel := e.proberCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.prober.Stop()

	if err != nil {
		return fmt.Errorf("engine: shutdown: %w", err)
	}
	return nil
}

// Reconfigure applies a newly loaded Config to the running Engine: the
// Registry reconciles its upstream set and tuning values, and the
// Selector's algorithm is swapped. The Listener's bind address and the
// Prober's cadence are fixed for the lifetime of one Engine; changing
// either requires a restart. It returns an error, without applying
// anything, if cfg fails validation.
func (e *Engine) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("engine: reconfigure: %w", err)
	}
	e.registry.Reconcile(cfg)
	e.selector.SetAlgorithm(selector.ParseAlgorithm(cfg.LoadBalancingAlgorithm))
	e.logger.Info("reconfigured", zap.Int("upstreams", e.registry.Len()))
	return nil
}
