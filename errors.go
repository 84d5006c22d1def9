package pteroauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/ptero-auth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
)

// Error represents an OAuth 2.0 error response
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// tokenErrorDescriptions are the client-facing descriptions per error code.
// Engine error text is never echoed to clients.
var tokenErrorDescriptions = map[string]string{
	ErrorCodeInvalidRequest:        "The request is missing a required parameter",
	ErrorCodeInvalidClient:         "Client authentication failed",
	ErrorCodeInvalidGrant:          "The grant is invalid, expired or already used",
	ErrorCodeInvalidScope:          "The requested scope is invalid",
	ErrorCodeUnauthorizedClient:    "The client may not use this grant type",
	ErrorCodeUnsupportedGrantType:  "The grant type is not supported",
	ErrorCodeInvalidClientMetadata: "The client metadata is invalid",
	ErrorCodeAccessDenied:          "Access denied",
	ErrorCodeServerError:           "An internal error occurred",
}

// FromEngineError converts an engine error into an HTTP-level OAuth error.
// invalid_client is 401, server_error is 500 and everything else is 400.
func FromEngineError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	code := server.ProtocolCode(err)
	status := http.StatusBadRequest
	switch code {
	case ErrorCodeInvalidClient:
		status = http.StatusUnauthorized
	case ErrorCodeServerError:
		status = http.StatusInternalServerError
	}
	return NewError(code, tokenErrorDescriptions[code], status)
}
