package security

// Event type constants for security audit logging.
const (
	// Authorization endpoint events

	// EventAuthorizationGranted is logged when a code or implicit token is issued
	EventAuthorizationGranted = "authorization_granted"

	// EventInvalidRedirect is logged when a redirect URI fails validation
	EventInvalidRedirect = "invalid_redirect"

	// Token endpoint events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is obtained with a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Credential events

	// EventAuthFailure is logged when client, user or API key authentication fails
	EventAuthFailure = "auth_failure"

	// EventAPIKeyIssued is logged when a user obtains an API key
	EventAPIKeyIssued = "api_key_issued" //nolint:gosec // event name, not a credential

	// Administration events

	// EventClientRegistered is logged when a confidential client is registered
	EventClientRegistered = "client_registered"
)
