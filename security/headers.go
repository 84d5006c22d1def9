package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the headers every authorization and token response
// carries. HSTS is only added when issuer is an https URL.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token responses must never be cached (RFC 6749 section 5.1)
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetPublicMetadataHeaders marks discovery and JWKS documents as cacheable
// and readable from browser applications.
func SetPublicMetadataHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", "public, max-age=3600")
}

// SetAuthenticateHeader adds a WWW-Authenticate challenge for scheme.
func SetAuthenticateHeader(w http.ResponseWriter, scheme, realm string) {
	if realm == "" {
		w.Header().Set("WWW-Authenticate", scheme)
		return
	}
	w.Header().Set("WWW-Authenticate", scheme+` realm="`+realm+`"`)
}
