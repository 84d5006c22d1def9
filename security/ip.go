package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the client address of a request.
//
// Forwarding headers are honoured only when TrustProxy is set. With
// X-Forwarded-For ("client, proxy1, proxy2"), the TrustedProxyCount rightmost
// entries are our own proxies; the entry left of them is the client.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP of r
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := max(len(hops)-proxies-1, 0)
	return parseIP(hops[idx])
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// GetClientIP is a convenience wrapper around ClientIPResolver
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientIPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.Resolve(r)
}
