// Package listener implements the HTTP entry point: an http.Server that
// dispatches CONNECT requests to a tunnel and every other method to a
// non-CONNECT forward, and that shuts down gracefully within a bounded
// grace period.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Forwarder is the subset of *forwarder.Forwarder a Listener dispatches
// requests to.
type Forwarder interface {
	Forward(rw http.ResponseWriter, req *http.Request)
	Tunnel(rw http.ResponseWriter, req *http.Request)
}

// Listener is an http.Server configured as a forward proxy entry point.
type Listener struct {
	addr        string
	forwarder   Forwarder
	logger      *zap.Logger
	gracePeriod time.Duration

	server *http.Server
}

// Config bundles the tuning values a Listener needs.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	GracePeriod       time.Duration
}

// New builds a Listener bound to cfg.Addr. It does not start accepting
// connections until Start is called.
func New(fwd Forwarder, cfg Config, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		addr:        cfg.Addr,
		forwarder:   fwd,
		logger:      logger.Named("listener"),
		gracePeriod: cfg.GracePeriod,
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 30 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}
	l.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           http.HandlerFunc(l.handle),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, connIDKey{}, uuid.New().String())
		},
	}
	return l
}

type connIDKey struct{}

func (l *Listener) handle(rw http.ResponseWriter, req *http.Request) {
	connID, _ := req.Context().Value(connIDKey{}).(string)
	l.logger.Debug("request",
		zap.String("conn_id", connID),
		zap.String("method", req.Method),
		zap.String("uri", req.RequestURI))

	if req.Method == http.MethodConnect {
		l.forwarder.Tunnel(rw, req)
		return
	}
	if !req.URL.IsAbs() {
		http.Error(rw, "request URI must be absolute for a forward proxy", http.StatusBadRequest)
		return
	}
	l.forwarder.Forward(rw, req)
}

// Start begins accepting connections on Addr. It blocks until the
// server stops; a clean shutdown via Stop is reported as a nil error.
func (l *Listener) Start() error {
	l.logger.Info("listening", zap.String("addr", l.addr))
	if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener: serve %s: %w", l.addr, err)
	}
	return nil
}

// ServeOn runs the server on an already-bound listener, letting a caller
// choose the ephemeral port before the server starts (tests) instead of
// binding Addr itself. It blocks until the server stops.
func (l *Listener) ServeOn(ln net.Listener) error {
	l.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener: serve %s: %w", ln.Addr(), err)
	}
	return nil
}

// Stop gracefully shuts the server down, bounded by ctx and, when
// Config.GracePeriod is set, by that period as well; it force-closes any
// connections still open once the bound elapses.
func (l *Listener) Stop(ctx context.Context) error {
	if l.gracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.gracePeriod)
		defer cancel()
	}
	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Warn("graceful shutdown did not complete in time; forcing close", zap.Error(err))
		return l.server.Close()
	}
	return nil
}
