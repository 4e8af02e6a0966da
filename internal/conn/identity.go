package conn

import (
	"net"
	"net/http"
	"strings"
)

// Identity is what the accept path learns about a device before the
// handler starts.
type Identity struct {
	DeviceID      string
	ClientID      string
	Authorization string
	ClientIP      string
	FromGateway   bool
}

// IdentityFromRequest extracts device identity from the upgrade request.
// Headers win; missing values fall back to URL query parameters (devices
// behind restrictive proxies cannot always set headers). The client IP
// honors x-real-ip, then the first x-forwarded-for hop, then the socket
// peer address.
func IdentityFromRequest(r *http.Request) Identity {
	q := r.URL.Query()
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(query)
	}

	return Identity{
		DeviceID:      pick("device-id", "device-id"),
		ClientID:      pick("client-id", "client-id"),
		Authorization: strings.TrimPrefix(pick("Authorization", "authorization"), "Bearer "),
		ClientIP:      clientIP(r),
		FromGateway:   q.Get("from") == "mqtt_gateway",
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
