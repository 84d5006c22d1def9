package server

import (
	"fmt"
	"net/url"
	"strings"
)

// blockedRedirectSchemes are never accepted as a redirect target; a browser
// would execute or render them in the authorization server's context.
var blockedRedirectSchemes = []string{"javascript", "data", "vbscript", "file", "blob"}

// validateRedirectTarget checks the structural rules every registered
// redirect URI must satisfy, independent of the client's pattern:
// it is absolute, carries no fragment and does not use a blocked scheme.
func validateRedirectTarget(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI format")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect URI must be absolute")
	}
	for _, blocked := range blockedRedirectSchemes {
		if scheme == blocked {
			return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
		}
	}
	if (scheme == "http" || scheme == "https") && parsed.Host == "" {
		return fmt.Errorf("redirect URI must include a host")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	return nil
}
