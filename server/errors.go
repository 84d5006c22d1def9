package server

import (
	"errors"
	"fmt"
	"net/url"
)

// OAuth 2.0 error codes (RFC 6749 section 4.1.2.1 and 5.2).
// Note: These are intentionally duplicated in the root package to avoid
// circular imports (root package imports server, server can't import root).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// Engine error taxonomy. Every error returned by the engine wraps exactly one
// of these; ProtocolCode maps them onto the OAuth vocabulary.
var (
	ErrClientNotFound             = errors.New("client not found")
	ErrClientAuthenticationFailed = errors.New("client authentication failed")
	ErrInvalidRedirectURI         = errors.New("invalid redirect uri")
	ErrInvalidScopeSet            = errors.New("invalid scope set")
	ErrUnsupportedResponseType    = errors.New("unsupported response type")
	ErrUnsupportedGrantType       = errors.New("unsupported grant type")
	ErrGrantNotFoundOrConsumed    = errors.New("grant not found or already consumed")
	ErrRedirectURIMismatch        = errors.New("redirect uri does not match the authorization request")
	ErrClaimLookupFailed          = errors.New("claim lookup failed")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrRefreshTokenInvalid        = errors.New("refresh token invalid")
	ErrInvalidClientMetadata      = errors.New("invalid client metadata")
	ErrUserAuthenticationFailed   = errors.New("user authentication failed")
	ErrAPIKeyInvalid              = errors.New("api key invalid")

	// ErrUnauthorizedClient is a known grant type the client variant may not use.
	ErrUnauthorizedClient = fmt.Errorf("%w: not permitted for this client", ErrUnsupportedGrantType)
)

// ProtocolCode maps an engine error onto its OAuth error code.
// Unclassified errors (storage failures and the like) are server_error.
func ProtocolCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrClientNotFound), errors.Is(err, ErrClientAuthenticationFailed):
		return ErrorCodeInvalidClient
	case errors.Is(err, ErrInvalidRedirectURI), errors.Is(err, ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	case errors.Is(err, ErrInvalidScopeSet):
		return ErrorCodeInvalidScope
	case errors.Is(err, ErrUnsupportedResponseType):
		return ErrorCodeUnsupportedResponseType
	case errors.Is(err, ErrUnauthorizedClient):
		return ErrorCodeUnauthorizedClient
	case errors.Is(err, ErrUnsupportedGrantType):
		return ErrorCodeUnsupportedGrantType
	case errors.Is(err, ErrGrantNotFoundOrConsumed),
		errors.Is(err, ErrRedirectURIMismatch),
		errors.Is(err, ErrRefreshTokenInvalid):
		return ErrorCodeInvalidGrant
	case errors.Is(err, ErrInvalidClientMetadata):
		return ErrorCodeInvalidClientMetadata
	case errors.Is(err, ErrUserAuthenticationFailed), errors.Is(err, ErrAPIKeyInvalid):
		return ErrorCodeAccessDenied
	default:
		return ErrorCodeServerError
	}
}

// AuthorizationError is returned by Authorize. RedirectURI is set only when
// the redirect target has been validated; otherwise the error must be
// reported to the user agent directly.
type AuthorizationError struct {
	Err         error
	RedirectURI string
	State       string

	// Fragment is true for implicit flow responses.
	Fragment bool
}

// Error implements the error interface
func (e *AuthorizationError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying engine error
func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// Code returns the OAuth error code
func (e *AuthorizationError) Code() string {
	return ProtocolCode(e.Err)
}

// Redirectable reports whether the error may be delivered to RedirectURI.
func (e *AuthorizationError) Redirectable() bool {
	return e.RedirectURI != ""
}

// Location returns the redirect target carrying error and state, or "" when
// the error is not redirectable.
func (e *AuthorizationError) Location() string {
	if !e.Redirectable() {
		return ""
	}
	params := url.Values{}
	params.Set("error", e.Code())
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendResponseParams(e.RedirectURI, params, e.Fragment)
}
