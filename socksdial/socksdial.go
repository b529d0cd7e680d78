// Package socksdial builds the outbound sessions the Forwarder and the
// Health Prober use to reach a SOCKS5 upstream: an http.Transport dialing
// through the upstream for the non-CONNECT path and its pooled
// connection reuse, and a raw net.Conn dial for CONNECT tunnels and
// liveness probes. Each upstream's SOCKS5 handshake is built with
// golang.org/x/net/proxy.SOCKS5 and wired into an http.Transport's
// DialContext.
package socksdial

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"
)

// Dialer builds SOCKS5-backed transports and connections, one per
// upstream address, coalescing concurrent first use of a cold upstream
// with singleflight so a burst of simultaneous requests against a
// never-before-used record dials its transport exactly once.
type Dialer struct {
	timeout    time.Duration
	group      singleflight.Group
	transports sync.Map // upstream address -> *PooledTransport
}

// New builds a Dialer whose handshakes and dials are bounded by timeout.
func New(timeout time.Duration) *Dialer {
	return &Dialer{timeout: timeout}
}

func (d *Dialer) socksDialer(upstreamAddr string) (proxy.Dialer, error) {
	nd := &net.Dialer{Timeout: d.timeout}
	sd, err := proxy.SOCKS5("tcp", upstreamAddr, nil, nd)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer for %s: %w", upstreamAddr, err)
	}
	return sd, nil
}

func dialContextFrom(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// Transport returns a *PooledTransport bound to upstreamAddr, building
// one on first use. It implements registry.Transport so an Upstream
// record can store it directly as its session pool.
func (d *Dialer) Transport(upstreamAddr string) (*PooledTransport, error) {
	if cached, ok := d.transports.Load(upstreamAddr); ok {
		return cached.(*PooledTransport), nil
	}
	v, err, _ := d.group.Do(upstreamAddr, func() (any, error) {
		if cached, ok := d.transports.Load(upstreamAddr); ok {
			return cached, nil
		}
		sd, err := d.socksDialer(upstreamAddr)
		if err != nil {
			return nil, err
		}
		pt := &PooledTransport{}
		dial := dialContextFrom(sd)
		pt.Transport = &http.Transport{
			DialContext:           pt.wrapDial(dial),
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   d.timeout,
			ExpectContinueTimeout: 1 * time.Second,
			Proxy:                 nil,
		}
		d.transports.Store(upstreamAddr, pt)
		return pt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PooledTransport), nil
}

// DialConnect opens a raw SOCKS5 connection through upstreamAddr to
// targetHostPort, for the CONNECT tunnel path and for the Health
// Prober's liveness probe.
func (d *Dialer) DialConnect(ctx context.Context, upstreamAddr, targetHostPort string) (net.Conn, error) {
	sd, err := d.socksDialer(upstreamAddr)
	if err != nil {
		return nil, err
	}
	conn, err := dialContextFrom(sd)(ctx, "tcp", targetHostPort)
	if err != nil {
		return nil, fmt.Errorf("socks5 connect via %s to %s: %w", upstreamAddr, targetHostPort, err)
	}
	return conn, nil
}

// PooledTransport wraps an *http.Transport with a live-connection counter
// so the Registry can report a sessions_pooled stat; the connection
// pooling itself is http.Transport's own, which is the idiomatic Go
// session pool for a SOCKS5-backed client.
type PooledTransport struct {
	*http.Transport
	active atomic.Int64
}

func (pt *PooledTransport) wrapDial(dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		pt.active.Add(1)
		return &countedConn{Conn: conn, onClose: func() { pt.active.Add(-1) }}, nil
	}
}

// Sessions returns the number of currently open pooled connections.
func (pt *PooledTransport) Sessions() int64 {
	return pt.active.Load()
}

// Close idles out the underlying transport's connections.
func (pt *PooledTransport) Close() {
	pt.Transport.CloseIdleConnections()
}

type countedConn struct {
	net.Conn
	closeOnce atomic.Bool
	onClose   func()
}

func (c *countedConn) Close() error {
	if c.closeOnce.CompareAndSwap(false, true) {
		c.onClose()
	}
	return c.Conn.Close()
}
