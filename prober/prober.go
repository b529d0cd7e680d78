// Package prober implements the Health Prober: a background activity
// that periodically probes unavailable and resting upstreams, and
// rechecks available ones, moving records between states.
//
// Each sweep takes an immutable snapshot of the pool, fans out probes
// without ever holding an application lock across network I/O, then
// applies outcomes back into the registry one record at a time. The fan
// out is bounded with golang.org/x/sync/errgroup and golang.org/x/time/rate
// so a large pool does not open hundreds of simultaneous SOCKS handshakes
// in one tick.
package prober

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/EvgeniiDev/proxy-load-balancer/registry"
)

// ConnectDialer is the subset of *socksdial.Dialer the prober needs,
// narrowed to an interface so tests can substitute a fake SOCKS5 peer
// without opening a real network connection.
type ConnectDialer interface {
	DialConnect(ctx context.Context, upstreamAddr, targetHostPort string) (net.Conn, error)
}

// Prober runs two independent cadences — a full liveness sweep and a
// resting-expiry sweep — from a single background scheduler.
type Prober struct {
	registry *registry.Registry
	dialer   ConnectDialer
	logger   *zap.Logger

	healthInterval  time.Duration
	restInterval    time.Duration
	connectTimeout  time.Duration
	probeTarget     string
	probeConcurrency int

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles the tuning values a Prober needs, pulled from
// config.Config by the caller (engine.New) to keep this package
// independent of the config package's JSON tags.
type Config struct {
	HealthCheckInterval time.Duration
	RestCheckInterval   time.Duration
	ConnectionTimeout   time.Duration
	// ProbeTarget is the reference host:port each probe SOCKS5-connects
	// to through the upstream. engine.New supplies its defaultProbeTarget.
	ProbeTarget string
}

// New builds a Prober. It does not start any goroutine until Start is
// called.
func New(reg *registry.Registry, dialer ConnectDialer, cfg Config, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		registry:         reg,
		dialer:           dialer,
		logger:           logger.Named("prober"),
		healthInterval:   cfg.HealthCheckInterval,
		restInterval:     cfg.RestCheckInterval,
		connectTimeout:   cfg.ConnectionTimeout,
		probeTarget:      cfg.ProbeTarget,
		probeConcurrency: 16,
	}
}

// Start launches the two ticker loops. It returns immediately; both loops
// run until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	p.wg.Add(2)
	go p.healthLoop(ctx)
	go p.restLoop(ctx)
}

// Stop signals both loops to exit and waits for the current probe batch,
// if any, to finish before returning.
func (p *Prober) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.wg.Wait()
}

func (p *Prober) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) restLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.restInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.registry.PromoteExpiredResting()
		}
	}
}

// probeAll takes an immutable snapshot of every known record, then probes
// each one without holding the registry lock, and only re-enters the
// registry afterward to apply the outcome.
func (p *Prober) probeAll(ctx context.Context) {
	records := p.registry.All()
	if len(records) == 0 {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(p.probeConcurrency), p.probeConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.probeConcurrency)
	for _, u := range records {
		u := u
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil //nolint:nilerr // context cancellation ends the batch, not an error to surface
			}
			ok := p.probe(gctx, u)
			p.registry.ApplyProbeResult(u, ok)
			return nil
		})
	}
	_ = g.Wait()
}

// probe establishes a SOCKS5 connect through u to the configured
// reference target, bounded by connection_timeout. A completed handshake
// and immediate close is sufficient evidence of liveness — no downstream
// application traffic is sent.
func (p *Prober) probe(ctx context.Context, u *registry.Upstream) bool {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	conn, err := p.dialer.DialConnect(ctx, u.Key(), p.probeTarget)
	if err != nil {
		p.logger.Debug("probe failed",
			zap.String("upstream", u.Key()),
			zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}
