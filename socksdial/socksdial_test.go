package socksdial_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EvgeniiDev/proxy-load-balancer/socksdial"
)

// fakeSocks5Server speaks just enough of RFC 1928 to let
// golang.org/x/net/proxy.SOCKS5 complete a CONNECT handshake against a
// fixed backend, so tests exercise the dialer without a real SOCKS5
// daemon.
type fakeSocks5Server struct {
	ln         net.Listener
	backend    net.Addr
	refuseNext bool
}

func startFakeSocks5(t *testing.T, backend net.Addr) *fakeSocks5Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSocks5Server{ln: ln, backend: backend}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeSocks5Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSocks5Server) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 262)

	// greeting: VER NMETHODS METHODS...
	if _, err := readFullConn(conn, buf[:2]); err != nil {
		return
	}
	nmethods := int(buf[1])
	if _, err := readFullConn(conn, buf[:nmethods]); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil { // no auth
		return
	}

	// request: VER CMD RSV ATYP DST.ADDR DST.PORT
	if _, err := readFullConn(conn, buf[:4]); err != nil {
		return
	}
	atyp := buf[3]
	switch atyp {
	case 0x01: // IPv4
		if _, err := readFullConn(conn, buf[:4+2]); err != nil {
			return
		}
	case 0x03: // domain name
		if _, err := readFullConn(conn, buf[:1]); err != nil {
			return
		}
		n := int(buf[0])
		if _, err := readFullConn(conn, buf[:n+2]); err != nil {
			return
		}
	default:
		return
	}

	if s.refuseNext {
		_, _ = conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}

	backend, err := net.Dial("tcp", s.backend.String())
	if err != nil {
		_, _ = conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}
	defer backend.Close()

	_, _ = conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	done := make(chan struct{}, 2)
	go func() { _, _ = copyConn(backend, conn); done <- struct{}{} }()
	go func() { _, _ = copyConn(conn, backend); done <- struct{}{} }()
	<-done
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func copyConn(dst net.Conn, src net.Conn) (int64, error) {
	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			return total, nil
		}
	}
}

func TestTransportRoundTripsThroughSocks5(t *testing.T) {
	backend := httptestServer(t, "pong")
	socks := startFakeSocks5(t, backend)

	d := socksdial.New(2 * time.Second)
	pt, err := d.Transport(socks.ln.Addr().String())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://"+backend.String()+"/", nil)
	require.NoError(t, err)
	resp, err := pt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransportCachesPerUpstreamAddress(t *testing.T) {
	backend := httptestServer(t, "pong")
	socks := startFakeSocks5(t, backend)

	d := socksdial.New(time.Second)
	first, err := d.Transport(socks.ln.Addr().String())
	require.NoError(t, err)
	second, err := d.Transport(socks.ln.Addr().String())
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestDialConnectFailsWhenSocksRefuses(t *testing.T) {
	backend := httptestServer(t, "pong")
	socks := startFakeSocks5(t, backend)
	socks.refuseNext = true

	d := socksdial.New(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.DialConnect(ctx, socks.ln.Addr().String(), backend.String())
	require.Error(t, err)
}

func TestDialConnectSucceeds(t *testing.T) {
	backend := httptestServer(t, "pong")
	socks := startFakeSocks5(t, backend)

	d := socksdial.New(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := d.DialConnect(ctx, socks.ln.Addr().String(), backend.String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func httptestServer(t *testing.T, body string) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr()
}
