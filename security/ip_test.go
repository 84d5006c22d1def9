package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "remote addr without port", remoteAddr: "192.168.1.100", want: "192.168.1.100"},
		{name: "forwarded for with trust", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "forwarded for without trust", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.1", want: "10.0.0.1"},
		{name: "real ip with trust", remoteAddr: "10.0.0.1:12345", xRealIP: "203.0.113.5", trustProxy: true, want: "203.0.113.5"},
		{name: "garbage forwarded for falls back", remoteAddr: "10.0.0.1:12345", xForwardedFor: "not-an-ip, 10.0.0.2", trustProxy: true, want: "10.0.0.1"},
		{name: "two trusted proxies", remoteAddr: "10.0.0.1:1", xForwardedFor: "198.51.100.7, 203.0.113.1, 10.0.0.3, 10.0.0.2", trustProxy: true, trustedProxyCount: 2, want: "203.0.113.1"},
		{name: "fewer hops than proxies", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.1", trustProxy: true, trustedProxyCount: 3, want: "203.0.113.1"},
		{name: "ipv6 remote", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
