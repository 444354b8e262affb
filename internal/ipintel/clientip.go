package ipintel

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the originating address of r, preferring proxy headers
// in the order CF-Connecting-IP, X-Real-IP, X-Forwarded-For (first entry),
// X-Client-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if ip := validIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := validIP(first); ip != "" {
			return ip
		}
	}
	if ip := validIP(r.Header.Get("X-Client-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return validIP(host)
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}
