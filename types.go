package pteroauth

import (
	"time"

	"github.com/giantswarm/ptero-auth/server"
	"github.com/giantswarm/ptero-auth/storage"
)

// Endpoint paths served by Handler
const (
	PathAuthorize       = "/v1/authorize"
	PathTokens          = "/v1/tokens"
	PathAPIKeys         = "/v1/api-keys"
	PathClients         = "/v1/clients"
	PathJWKS            = "/v1/jwks"
	PathOpenIDConfig    = "/.well-known/openid-configuration"
	PathMetrics         = "/metrics"
	authSchemeAPIKey    = "API-Key"
	authSchemeBasic     = "Basic"
	basicRealm          = "ptero"
	apiKeyHeaderPrefix  = authSchemeAPIKey + " "
	tokenTypeBearer     = "Bearer"
	maxRequestBodyBytes = 1 << 20
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// OpenIDConfiguration is the OpenID Connect Discovery 1.0 provider metadata
type OpenIDConfiguration struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`

	IDTokenSigningAlgValuesSupported    []string `json:"id_token_signing_alg_values_supported"`
	IDTokenEncryptionAlgValuesSupported []string `json:"id_token_encryption_alg_values_supported"`
	IDTokenEncryptionEncValuesSupported []string `json:"id_token_encryption_enc_values_supported"`
}

// PublicKey is a client's ID token encryption key on the wire
type PublicKey struct {
	KeyID      string `json:"kid,omitempty"`
	Key        string `json:"key"`
	Algorithm  string `json:"alg,omitempty"`
	Encryption string `json:"enc,omitempty"`
}

// ClientRegistrationRequest is the body of POST /v1/clients
type ClientRegistrationRequest struct {
	Name               string     `json:"name"`
	RedirectURIRegex   string     `json:"redirect_uri_regex"`
	DefaultRedirectURI string     `json:"default_redirect_uri,omitempty"`
	AllowedScopes      []string   `json:"allowed_scopes"`
	DefaultScopes      []string   `json:"default_scopes,omitempty"`
	AudienceFor        []string   `json:"audience_for,omitempty"`
	AudienceClaims     []string   `json:"audience_claims,omitempty"`
	PublicKey          *PublicKey `json:"public_key,omitempty"`
}

// ToEngine converts the wire request to the engine's registration request
func (r ClientRegistrationRequest) ToEngine() server.RegistrationRequest {
	req := server.RegistrationRequest{
		Name:               r.Name,
		RedirectURIRegex:   r.RedirectURIRegex,
		DefaultRedirectURI: r.DefaultRedirectURI,
		AllowedScopes:      r.AllowedScopes,
		DefaultScopes:      r.DefaultScopes,
		AudienceFor:        r.AudienceFor,
		AudienceClaims:     r.AudienceClaims,
	}
	if r.PublicKey != nil {
		req.PublicKey = &storage.EncryptionKey{
			KeyID:      r.PublicKey.KeyID,
			PEM:        r.PublicKey.Key,
			Algorithm:  r.PublicKey.Algorithm,
			Encryption: r.PublicKey.Encryption,
		}
	}
	return req
}

// ClientResponse describes a registered client. ClientSecret is only present
// in the registration response.
type ClientResponse struct {
	ClientID           string     `json:"client_id"`
	ClientSecret       string     `json:"client_secret,omitempty"`
	ClientType         string     `json:"client_type"`
	Name               string     `json:"name"`
	Active             bool       `json:"active"`
	RedirectURIRegex   string     `json:"redirect_uri_regex"`
	DefaultRedirectURI string     `json:"default_redirect_uri,omitempty"`
	AllowedScopes      []string   `json:"allowed_scopes"`
	DefaultScopes      []string   `json:"default_scopes"`
	AudienceFor        []string   `json:"audience_for"`
	AudienceClaims     []string   `json:"audience_claims"`
	PublicKey          *PublicKey `json:"public_key,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewClientResponse renders client for the admin API. The secret hash is
// never included.
func NewClientResponse(client *storage.Client, secret string) ClientResponse {
	resp := ClientResponse{
		ClientID:       client.ClientID,
		ClientSecret:   secret,
		ClientType:     client.Kind.String(),
		Name:           client.Name,
		Active:         client.Active,
		AllowedScopes:  nonNil(client.AllowedScopes),
		DefaultScopes:  nonNil(client.DefaultScopes),
		AudienceFor:    nonNil(client.AudienceFor),
		AudienceClaims: nonNil(client.AudienceClaims),
		CreatedBy:      client.CreatedBy,
		CreatedAt:      client.CreatedAt,
	}
	if client.Confidential != nil {
		resp.RedirectURIRegex = client.Confidential.RedirectURIRegex
		resp.DefaultRedirectURI = client.Confidential.DefaultRedirectURI
	}
	if client.PublicKey != nil {
		resp.PublicKey = &PublicKey{
			KeyID:      client.PublicKey.KeyID,
			Key:        client.PublicKey.PEM,
			Algorithm:  client.PublicKey.Algorithm,
			Encryption: client.PublicKey.Encryption,
		}
	}
	return resp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// APIKeyResponse is the body returned by POST /v1/api-keys
type APIKeyResponse struct {
	APIKey string `json:"api-key"`
}
