package upstream

import (
	"net/http"
	"strings"
)

// hopByHopHeaders must not be forwarded by proxies (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// responseFramingHeaders are recomputed by the proxy's own server.
var responseFramingHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Server",
	"Date",
}

// requestStripHeaders are never copied onto the backend request.
var requestStripHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// FilterResponseHeaders returns a copy of h without hop-by-hop and framing
// headers.
func FilterResponseHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	removeConnectionTokens(out)
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	for _, name := range responseFramingHeaders {
		out.Del(name)
	}
	return out
}

// FilterRequestHeaders returns a copy of h suitable for the backend request.
// Names listed in drop are removed as well.
func FilterRequestHeaders(h http.Header, drop ...string) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	removeConnectionTokens(out)
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	for _, name := range requestStripHeaders {
		out.Del(name)
	}
	for _, name := range drop {
		out.Del(name)
	}
	return out
}

// removeConnectionTokens drops headers named by the Connection header.
func removeConnectionTokens(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
}
