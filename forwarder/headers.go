package forwarder

import (
	"net/http"
	"strings"
)

// hopHeaders are meaningful only on a single transport hop and must be
// stripped before forwarding, in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// stripHopByHopHeaders removes the fixed hop-by-hop header set, plus any
// additional header named in a Connection header field, from h in place.
func stripHopByHopHeaders(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
