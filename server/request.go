package server

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/storage"
)

// AuthorizationState is a step of the authorization endpoint state machine.
type AuthorizationState int

const (
	StateRequested AuthorizationState = iota
	StateClientValidated
	StateScopeValidated
	StateRedirectValidated
	StateGranted // terminal, code flow
	StateIssued  // terminal, implicit flow
)

// String returns the state name
func (s AuthorizationState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateClientValidated:
		return "client_validated"
	case StateScopeValidated:
		return "scope_validated"
	case StateRedirectValidated:
		return "redirect_validated"
	case StateGranted:
		return "granted"
	case StateIssued:
		return "issued"
	default:
		return "unknown"
	}
}

// AuthorizationRequest holds the raw parameters of an authorization request.
type AuthorizationRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string
	State        string
}

// AuthorizationContext is the immutable state of one authorization request.
// Each step function takes a context and returns an advanced copy, so a
// failed step leaves the caller's value untouched.
type AuthorizationContext struct {
	state    AuthorizationState
	request  AuthorizationRequest
	client   *storage.Client
	audience *storage.Client

	responseType string
	scopes       []string
	redirectURI  string

	// errorRedirect is set for failures raised before StateRedirectValidated
	// when the client's redirect target is trusted regardless of scope.
	errorRedirect string
	errorFragment bool
}

// NewAuthorizationContext starts the state machine for req
func NewAuthorizationContext(req AuthorizationRequest) AuthorizationContext {
	return AuthorizationContext{state: StateRequested, request: req}
}

// State returns the current step
func (c AuthorizationContext) State() AuthorizationState { return c.state }

// Request returns the raw request parameters
func (c AuthorizationContext) Request() AuthorizationRequest { return c.request }

// Client returns the resolved client, nil before StateClientValidated
func (c AuthorizationContext) Client() *storage.Client { return c.client }

// Audience returns the audience resolved for a Public client request
func (c AuthorizationContext) Audience() *storage.Client { return c.audience }

// ResponseType returns the normalized response type
func (c AuthorizationContext) ResponseType() string { return c.responseType }

// Scopes returns a copy of the validated scope set
func (c AuthorizationContext) Scopes() []string { return slices.Clone(c.scopes) }

// RedirectURI returns the validated redirect URI
func (c AuthorizationContext) RedirectURI() string { return c.redirectURI }

// IsImplicit reports whether tokens are returned directly in a fragment
func (c AuthorizationContext) IsImplicit() bool {
	return c.responseType != "" && c.responseType != ResponseTypeCode
}

func (c AuthorizationContext) expect(state AuthorizationState) error {
	if c.state != state {
		return fmt.Errorf("authorization step out of order: in state %s, expected %s", c.state, state)
	}
	return nil
}

// ResolveClient looks up the client and checks the response type against
// its variant. Requested -> ClientValidated.
func (r *ClientRegistry) ResolveClient(ctx context.Context, ac AuthorizationContext) (AuthorizationContext, error) {
	if err := ac.expect(StateRequested); err != nil {
		return ac, err
	}
	client, err := r.Lookup(ctx, ac.request.ClientID)
	if err != nil {
		return ac, err
	}
	responseType, err := r.ValidateResponseType(client, ac.request.ResponseType)
	if err != nil {
		return ac, err
	}

	next := ac
	next.client = client
	next.responseType = responseType
	next.state = StateClientValidated
	return next, nil
}

// ResolveScopes validates the requested scopes, or the client's defaults
// when none were requested. ClientValidated -> ScopeValidated.
func (r *ClientRegistry) ResolveScopes(ctx context.Context, ac AuthorizationContext) (AuthorizationContext, error) {
	if err := ac.expect(StateClientValidated); err != nil {
		return ac, err
	}
	scopes := util.ParseScopes(ac.request.Scope)
	if len(scopes) == 0 {
		scopes = util.NormalizeScopes(r.DefaultScopes(ac.client))
	}
	audience, err := r.ValidateScopeSet(ctx, ac.client, scopes)
	if err != nil {
		return ac, err
	}

	next := ac
	next.scopes = scopes
	next.audience = audience
	next.state = StateScopeValidated
	return next, nil
}

// ResolveRedirect validates the redirect URI. The code flow requires an
// explicit redirect_uri; the implicit flow falls back to the audience's
// default. ScopeValidated -> RedirectValidated.
func (r *ClientRegistry) ResolveRedirect(_ context.Context, ac AuthorizationContext) (AuthorizationContext, error) {
	if err := ac.expect(StateScopeValidated); err != nil {
		return ac, err
	}
	uri := ac.request.RedirectURI
	if uri == "" {
		if !ac.IsImplicit() {
			return ac, fmt.Errorf("%w: redirect_uri is required for the code flow", ErrInvalidRequest)
		}
		uri = r.DefaultRedirectURI(ac.client, ac.audience)
	}
	if err := r.ValidateRedirectURI(ac.client, ac.audience, uri); err != nil {
		return ac, err
	}

	next := ac
	next.redirectURI = uri
	next.state = StateRedirectValidated
	return next, nil
}

// ResolveErrorRedirect records where a failure raised before
// StateRedirectValidated may be delivered. Only Confidential clients qualify,
// since their redirect pattern does not depend on the requested scopes; a
// Public client's pattern belongs to the audience its scope resolves.
func (r *ClientRegistry) ResolveErrorRedirect(ctx context.Context, ac AuthorizationContext) AuthorizationContext {
	if ac.state >= StateRedirectValidated {
		return ac
	}
	client := ac.client
	if client == nil {
		c, err := r.Lookup(ctx, ac.request.ClientID)
		if err != nil {
			return ac
		}
		client = c
	}
	if !client.IsConfidential() {
		return ac
	}

	fragment := ac.IsImplicit()
	uri := ac.request.RedirectURI
	if uri == "" {
		if !fragment {
			return ac
		}
		uri = r.DefaultRedirectURI(client, nil)
	}
	if err := r.ValidateRedirectURI(client, nil, uri); err != nil {
		return ac
	}

	next := ac
	next.errorRedirect = uri
	next.errorFragment = fragment
	return next
}

// complete moves a RedirectValidated context to its terminal state
func (c AuthorizationContext) complete() (AuthorizationContext, error) {
	if err := c.expect(StateRedirectValidated); err != nil {
		return c, err
	}
	next := c
	if c.IsImplicit() {
		next.state = StateIssued
	} else {
		next.state = StateGranted
	}
	return next, nil
}

// AuthorizationResult is a successful authorization response.
type AuthorizationResult struct {
	Context AuthorizationContext

	// Code flow
	Code string

	// Implicit flow
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
}

// Location returns the redirect target: query parameters for the code flow
// and a URI fragment for the implicit flow.
func (r *AuthorizationResult) Location() string {
	params := url.Values{}
	if r.Context.IsImplicit() {
		params.Set("access_token", r.AccessToken)
		params.Set("token_type", r.TokenType)
		params.Set("expires_in", fmt.Sprintf("%d", r.ExpiresIn))
		if r.IDToken != "" {
			params.Set("id_token", r.IDToken)
		}
	} else {
		params.Set("code", r.Code)
	}
	if state := r.Context.request.State; state != "" {
		params.Set("state", state)
	}
	return appendResponseParams(r.Context.redirectURI, params, r.Context.IsImplicit())
}

// appendResponseParams adds params to the query or the fragment of uri.
func appendResponseParams(uri string, params url.Values, fragment bool) string {
	if fragment {
		base, _, _ := strings.Cut(uri, "#")
		return base + "#" + params.Encode()
	}
	u, err := url.Parse(uri)
	if err != nil {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		return uri + sep + params.Encode()
	}
	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
