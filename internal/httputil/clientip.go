package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address of the caller. X-Forwarded-For and X-Real-IP are
// only honored when the direct peer is a loopback address, i.e. a reverse proxy
// on the same host as the daemon. IPv6 addresses are returned without brackets.
func ClientIP(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if !isLoopback(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return strings.Trim(ip, "[]")
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return strings.Trim(xri, "[]")
	}
	return peer
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.Trim(remoteAddr, "[]")
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
