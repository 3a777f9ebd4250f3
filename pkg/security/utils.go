package security

import (
	"net"
	"net/http"
)

// ClientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored since they can be spoofed.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
