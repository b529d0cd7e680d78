// Package forwarder implements the per-request state machine: upstream
// selection, the HTTP transaction or CONNECT tunnel, outcome
// classification, registry transitions, and the overload retry loop.
//
// A request body is read into memory once, up front, so a 429 can be
// retried against a different upstream without re-reading the client's
// stream.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EvgeniiDev/proxy-load-balancer/registry"
	"github.com/EvgeniiDev/proxy-load-balancer/socksdial"
)

// ErrNoUpstream names the empty-available-set condition. Forward and
// Tunnel answer that condition with a 503 response directly; no function
// in this package returns this error.
var ErrNoUpstream = errors.New("forwarder: no upstream available")

const defaultBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultBufferSize)
		return &b
	},
}

// Dialer builds the outbound sessions a Forwarder needs: a SOCKS5-dialing
// http.RoundTripper for the non-CONNECT path, and a raw connect for
// tunnels. *socksdial.Dialer satisfies this.
type Dialer interface {
	Transport(upstreamAddr string) (*socksdial.PooledTransport, error)
	DialConnect(ctx context.Context, upstreamAddr, targetHostPort string) (net.Conn, error)
}

// Selector is the subset of *selector.Selector a Forwarder drives.
type Selector interface {
	Select(pool []*registry.Upstream, tried map[string]struct{}) (*registry.Upstream, bool)
}

// Forwarder drives the per-request state machine over a Registry.
type Forwarder struct {
	registry *registry.Registry
	selector Selector
	dialer   Dialer
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds a Forwarder.
func New(reg *registry.Registry, sel Selector, dialer Dialer, timeout time.Duration, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		registry: reg,
		selector: sel,
		dialer:   dialer,
		timeout:  timeout,
		logger:   logger.Named("forwarder"),
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeOverloaded
	outcomeTransportError
)

type attemptResult struct {
	kind outcomeKind
	resp *http.Response
	err  error
}

// Forward implements the non-CONNECT request path.
func (f *Forwarder) Forward(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)
		return
	}

	pool := f.registry.SnapshotAvailable()
	u, ok := f.selector.Select(pool, nil)
	if !ok {
		http.Error(rw, "no upstream available", http.StatusServiceUnavailable)
		return
	}

	result := f.send(req, u, body)
	switch result.kind {
	case outcomeSuccess:
		f.registry.MarkSuccess(u)
		writeResponse(rw, result.resp)
	case outcomeOverloaded:
		f.registry.MarkOverloaded(u)
		f.retryLoop(rw, req, body, pool, u)
	case outcomeTransportError:
		f.registry.MarkFailure(u)
		f.logger.Warn("upstream transport error",
			zap.String("upstream", u.Key()), zap.Error(result.err))
		http.Error(rw, "bad gateway", http.StatusBadGateway)
	}
}

// retryLoop implements the overload retry loop: while candidates remain
// among available\tried, try the next one; a 429 extends the loop, a
// transport error extends it too, and anything else ends it with that
// response delivered to the client.
func (f *Forwarder) retryLoop(rw http.ResponseWriter, req *http.Request, body []byte, pool []*registry.Upstream, first *registry.Upstream) {
	tried := map[string]struct{}{first.Key(): {}}
	lastWas429 := true

	for {
		c, ok := f.selector.Select(pool, tried)
		if !ok {
			break
		}
		tried[c.Key()] = struct{}{}

		result := f.send(req, c, body)
		switch result.kind {
		case outcomeSuccess:
			f.registry.MarkSuccess(c)
			writeResponse(rw, result.resp)
			return
		case outcomeOverloaded:
			f.registry.MarkOverloaded(c)
			lastWas429 = true
		case outcomeTransportError:
			f.registry.MarkFailure(c)
			f.logger.Warn("upstream transport error in retry loop",
				zap.String("upstream", c.Key()), zap.Error(result.err))
			lastWas429 = false
		}
	}

	if lastWas429 {
		http.Error(rw, "all upstreams overloaded", http.StatusTooManyRequests)
	} else {
		http.Error(rw, "bad gateway", http.StatusBadGateway)
	}
}

// send issues one HTTP transaction against u and classifies the outcome.
func (f *Forwarder) send(req *http.Request, u *registry.Upstream, body []byte) attemptResult {
	u.CountRequest()

	transport, err := u.Transport(func() (registry.Transport, error) {
		return f.dialer.Transport(u.Key())
	})
	if err != nil {
		return attemptResult{kind: outcomeTransportError, err: err}
	}
	roundTripper, ok := transport.(http.RoundTripper)
	if !ok {
		return attemptResult{kind: outcomeTransportError, err: errors.New("forwarder: session pool is not an http.RoundTripper")}
	}

	ctx, cancel := context.WithTimeout(req.Context(), f.timeout)

	outReq := req.Clone(ctx)
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))
	outReq.Close = false
	stripHopByHopHeaders(outReq.Header)

	resp, err := roundTripper.RoundTrip(outReq)
	if err != nil {
		cancel()
		return attemptResult{kind: outcomeTransportError, err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		cancel()
		return attemptResult{kind: outcomeOverloaded, resp: resp}
	}
	// The context must outlive send: the caller still streams the body.
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return attemptResult{kind: outcomeSuccess, resp: resp}
}

// cancelOnClose releases a request's timeout context when its response
// body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func writeResponse(rw http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	dst := rw.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	stripHopByHopHeaders(dst)
	rw.WriteHeader(resp.StatusCode)

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	_, _ = io.CopyBuffer(rw, resp.Body, *bufp)
}

// Tunnel implements the CONNECT request path.
func (f *Forwarder) Tunnel(rw http.ResponseWriter, req *http.Request) {
	pool := f.registry.SnapshotAvailable()
	u, ok := f.selector.Select(pool, nil)
	if !ok {
		http.Error(rw, "no upstream available", http.StatusServiceUnavailable)
		return
	}
	u.CountRequest()

	hijacker, ok := rw.(http.Hijacker)
	if !ok {
		http.Error(rw, "connect not supported by this listener", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(rw, "hijack failed", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), f.timeout)
	upstreamConn, err := f.dialer.DialConnect(ctx, u.Key(), req.Host)
	cancel()
	if err != nil {
		f.registry.MarkFailure(u)
		f.logger.Warn("connect dial failed",
			zap.String("upstream", u.Key()), zap.String("target", req.Host), zap.Error(err))
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		_ = clientConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		// The client went away before the tunnel could be acknowledged;
		// this is a client-side disconnect, not an upstream failure.
		_ = upstreamConn.Close()
		_ = clientConn.Close()
		return
	}

	if f.splice(clientConn, upstreamConn) {
		f.registry.MarkFailure(u)
	} else {
		f.registry.MarkSuccess(u)
	}
}

// splice copies bytes bidirectionally between client and upstream until
// both directions end, and reports whether the upstream side was the
// cause of a mid-stream error. A plain client disconnect — EOF or a
// write/read error attributable to the client side — never attributes
// failure to the upstream.
//
// Whichever direction ends first closes both conns to unblock the other
// one. That teardown makes the still-blocked direction's pending read or
// write fail with net.ErrClosed (io.ErrClosedPipe for a net.Pipe conn);
// that failure is an artifact of our own teardown; it is never treated as
// an upstream error.
func (f *Forwarder) splice(client, upstream net.Conn) (upstreamFailed bool) {
	var wg sync.WaitGroup
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	var upstreamWriteErr, upstreamReadErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, werr := copyTagged(upstream, client)
		closeBoth()
		if !errors.Is(werr, net.ErrClosed) && !errors.Is(werr, io.ErrClosedPipe) {
			upstreamWriteErr = werr
		}
	}()
	go func() {
		defer wg.Done()
		rerr, _ := copyTagged(client, upstream)
		closeBoth()
		if !errors.Is(rerr, net.ErrClosed) && !errors.Is(rerr, io.ErrClosedPipe) {
			upstreamReadErr = rerr
		}
	}()
	wg.Wait()

	return upstreamWriteErr != nil || upstreamReadErr != nil
}

// copyTagged copies from src to dst and reports the read-side error and
// write-side error separately (io.Copy conflates them), so the caller can
// attribute a mid-stream failure to the correct side of the tunnel.
func copyTagged(dst io.Writer, src io.Reader) (readErr, writeErr error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return rerr, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil, nil
			}
			return rerr, nil
		}
	}
}
