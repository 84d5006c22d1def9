package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// authorizationStep advances an authorization context by one state
type authorizationStep func(ctx context.Context, ac AuthorizationContext) (AuthorizationContext, error)

// Authorize runs the authorization endpoint state machine for an
// authenticated resource owner. Failures are returned as *AuthorizationError.
// A malformed or untrusted redirect_uri is always reported directly; other
// failures redirect once a trusted redirect target is known.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, user *storage.User, clientIP string) (*AuthorizationResult, error) {
	ctx, span := s.startSpan(ctx, "engine.authorize",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))
	defer span.End()

	ac := NewAuthorizationContext(req)
	if user == nil {
		return nil, s.authorizationFailed(ctx, span, ac, "", clientIP,
			fmt.Errorf("%w: resource owner is required", ErrUserAuthenticationFailed))
	}

	steps := []authorizationStep{
		s.Clients.ResolveClient,
		s.Clients.ResolveScopes,
		s.Clients.ResolveRedirect,
	}
	for _, step := range steps {
		next, err := step(ctx, ac)
		if err != nil {
			if !errors.Is(err, ErrInvalidRedirectURI) {
				ac = s.Clients.ResolveErrorRedirect(ctx, ac)
			}
			return nil, s.authorizationFailed(ctx, span, ac, user.Name, clientIP, err)
		}
		ac = next
	}

	done, err := ac.complete()
	if err != nil {
		return nil, s.authorizationFailed(ctx, span, ac, user.Name, clientIP, err)
	}

	now := s.now()
	var result *AuthorizationResult
	if done.IsImplicit() {
		result, err = s.issueImplicit(ctx, done, user, now)
	} else {
		result, err = s.issueCode(ctx, done, user, now)
	}
	if err != nil {
		return nil, s.authorizationFailed(ctx, span, ac, user.Name, clientIP, err)
	}

	client := done.Client()
	span.SetAttributes(attribute.String(instrumentation.AttrAuthState, done.State().String()))
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, user.Name, util.JoinScopes(done.Scopes()))
	instrumentation.SetSpanSuccess(span)

	if s.metrics != nil {
		s.metrics.RecordAuthorizationGranted(ctx, client.Kind.String(), done.ResponseType())
	}
	s.Auditor.LogAuthorizationGranted(ctx, user.Name, client.ClientID, clientIP, done.ResponseType(), util.JoinScopes(done.Scopes()))
	s.Logger.Info("Authorization granted",
		"client_id", client.ClientID,
		"client_kind", client.Kind.String(),
		"response_type", done.ResponseType(),
		"scope", util.JoinScopes(done.Scopes()))

	return result, nil
}

// issueCode stores an authorization code grant. RedirectValidated -> Granted.
func (s *Server) issueCode(ctx context.Context, ac AuthorizationContext, user *storage.User, now time.Time) (*AuthorizationResult, error) {
	grant, err := s.Grants.IssueAuthorizationCode(ctx, ac.Client().ClientID, user.Name, ac.Scopes(), ac.RedirectURI(), now)
	if err != nil {
		return nil, err
	}
	return &AuthorizationResult{Context: ac, Code: grant.Code}, nil
}

// issueImplicit mints a Singleton access token and, when openid was granted,
// an ID token encrypted for the audience. RedirectValidated -> Issued.
// Nothing is persisted unless every token was composed.
func (s *Server) issueImplicit(ctx context.Context, ac AuthorizationContext, user *storage.User, now time.Time) (*AuthorizationResult, error) {
	client := ac.Client()
	scopes := ac.Scopes()

	grant := s.Grants.NewGrant(storage.GrantKindImplicit, client.ClientID, user.Name, scopes, now)
	access := s.Tokens.NewAccessToken(grant, nil, now)

	result := &AuthorizationResult{
		Context:     ac,
		AccessToken: access.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   security.ExpiresInSeconds(now, access.ExpiresAt),
	}

	if slices.Contains(scopes, ScopeOpenID) {
		idToken, err := s.composeIDToken(ctx, IDTokenRequest{
			Encrypt:     s.Clients.RequiresIDTokenEncryption(client),
			Audience:    ac.Audience(),
			User:        user,
			Scopes:      scopes,
			AccessToken: access.Token,
		}, now)
		if err != nil {
			return nil, err
		}
		result.IDToken = idToken
	}

	if err := s.Grants.Record(ctx, grant); err != nil {
		return nil, err
	}
	if err := s.Tokens.Commit(ctx, nil, access); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, storage.GrantKindImplicit.String(), access.Kind.String())
	}
	return result, nil
}

// authorizationFailed wraps err for the caller, redirecting when the context
// got past redirect URI validation or carries a trusted error redirect.
func (s *Server) authorizationFailed(ctx context.Context, span trace.Span, ac AuthorizationContext, userName, clientIP string, err error) error {
	authErr := &AuthorizationError{Err: err, State: ac.Request().State}
	if ac.State() >= StateRedirectValidated {
		authErr.RedirectURI = ac.RedirectURI()
		authErr.Fragment = ac.IsImplicit()
	} else {
		authErr.RedirectURI = ac.errorRedirect
		authErr.Fragment = ac.errorFragment
	}

	clientID := ac.Request().ClientID
	span.SetAttributes(
		attribute.String(instrumentation.AttrAuthState, ac.State().String()),
		attribute.String(instrumentation.AttrError, authErr.Code()),
		attribute.Bool(instrumentation.AttrRedirected, authErr.Redirectable()),
	)
	instrumentation.RecordError(span, err)

	if s.metrics != nil {
		s.metrics.RecordAuthorizationDenied(ctx, authErr.Code(), authErr.Redirectable())
	}
	if errors.Is(err, ErrInvalidRedirectURI) {
		s.Auditor.LogInvalidRedirect(ctx, clientID, clientIP, ac.Request().RedirectURI)
	} else {
		s.Auditor.LogAuthFailure(ctx, userName, clientID, clientIP, authErr.Code())
	}

	logger := security.LoggerFromContext(ctx, s.Logger)
	if authErr.Code() == ErrorCodeServerError {
		logger.Error("Authorization request failed", "client_id", clientID, "state", ac.State().String(), "error", err)
	} else {
		logger.Info("Authorization request rejected", "client_id", clientID, "state", ac.State().String(), "error", err)
	}
	return authErr
}

// TokenRequest holds the parameters of a token endpoint request.
type TokenRequest struct {
	GrantType string

	// ClientID comes from the form body or the Basic credentials.
	ClientID     string
	ClientSecret string

	// CredentialsPresented is true when the client sent HTTP Basic credentials
	CredentialsPresented bool

	Code         string
	RedirectURI  string
	RefreshToken string
	Scope        string

	ClientIP string
}

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Token runs the token endpoint flow:
// TokenRequested -> ClientAuthenticated -> GrantRedeemed -> TokenIssued.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "engine.token",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer span.End()

	resp, err := s.token(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String(instrumentation.AttrError, ProtocolCode(err)))
		instrumentation.RecordError(span, err)
		logger := security.LoggerFromContext(ctx, s.Logger)
		if ProtocolCode(err) == ErrorCodeServerError {
			logger.Error("Token request failed", "client_id", req.ClientID, "grant_type", req.GrantType, "error", err)
		} else {
			logger.Info("Token request rejected", "client_id", req.ClientID, "grant_type", req.GrantType, "error", err)
		}
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.Clients.ValidateGrantType(client, req.GrantType); err != nil {
		return nil, err
	}

	now := s.now()
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req, now)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, client, req, now)
	case GrantTypeClientCredentials:
		return s.issueClientCredentials(ctx, client, req, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType)
	}
}

// authenticateClient resolves the client and checks its secret when the
// variant demands it. Credentials presented for an unregistered client fail.
func (s *Server) authenticateClient(ctx context.Context, req TokenRequest) (*storage.Client, error) {
	client, err := s.Clients.Lookup(ctx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure(ctx, "", req.ClientID, req.ClientIP, ErrorCodeInvalidClient)
		return nil, err
	}

	if s.Clients.RequiresAuthentication(client) {
		if err := s.Clients.Authenticate(client, req.ClientSecret); err != nil {
			s.Auditor.LogAuthFailure(ctx, "", client.ClientID, req.ClientIP, "client_authentication_failed")
			return nil, err
		}
		return client, nil
	}
	if req.CredentialsPresented {
		s.Auditor.LogAuthFailure(ctx, "", client.ClientID, req.ClientIP, "unregistered_client_credentials")
		return nil, fmt.Errorf("%w: client %s is not registered", ErrClientAuthenticationFailed, client.ClientID)
	}
	return client, nil
}

// exchangeAuthorizationCode redeems a code and issues a refresh token, its
// first access token and, when openid was granted, a signed ID token.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req TokenRequest, now time.Time) (*TokenResponse, error) {
	grant, err := s.Grants.Redeem(ctx, req.Code, client.ClientID, req.RedirectURI, now)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			s.Logger.Warn("Authorization code reuse detected",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, tokenLogLength))
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
			s.Auditor.LogCodeReuse(ctx, client.ClientID, req.ClientIP)
			if s.metrics != nil {
				s.metrics.RecordCodeReuseDetected(ctx)
			}
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID)
	}

	refresh := s.Tokens.NewRefreshToken(grant, now)
	access := s.Tokens.NewAccessToken(grant, refresh, now)
	resp := s.tokenResponse(access, now)
	resp.RefreshToken = refresh.Token

	if err := s.attachIDToken(ctx, resp, client, grant, access, now); err != nil {
		return nil, err
	}
	if err := s.Tokens.Commit(ctx, refresh, access); err != nil {
		return nil, err
	}

	s.tokenIssued(ctx, client, grant, req, access)
	return resp, nil
}

// refreshAccessToken mints a new Refreshable access token for the grant of
// an active refresh token. The grant's scope set is re-issued unchanged; a
// scope parameter naming any other set is rejected.
func (s *Server) refreshAccessToken(ctx context.Context, client *storage.Client, req TokenRequest, now time.Time) (*TokenResponse, error) {
	refresh, grant, err := s.Tokens.ResolveRefreshToken(ctx, req.RefreshToken, client.ClientID, now)
	if err != nil {
		s.Auditor.LogAuthFailure(ctx, "", client.ClientID, req.ClientIP, "invalid_refresh_token")
		return nil, err
	}
	if req.Scope != "" && !slices.Equal(util.ParseScopes(req.Scope), util.NormalizeScopes(grant.Scopes)) {
		return nil, fmt.Errorf("%w: refresh must request the originally granted scopes", ErrInvalidScopeSet)
	}

	access := s.Tokens.NewAccessToken(grant, refresh, now)
	resp := s.tokenResponse(access, now)

	if err := s.attachIDToken(ctx, resp, client, grant, access, now); err != nil {
		return nil, err
	}
	if err := s.Tokens.Commit(ctx, nil, access); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	}
	s.Auditor.LogTokenRefreshed(ctx, grant.UserName, client.ClientID, req.ClientIP)
	s.tokenIssued(ctx, client, grant, req, access)
	return resp, nil
}

// issueClientCredentials issues a Singleton access token to a confidential
// client acting for itself. No ID token is issued since there is no user.
func (s *Server) issueClientCredentials(ctx context.Context, client *storage.Client, req TokenRequest, now time.Time) (*TokenResponse, error) {
	scopes := util.ParseScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = util.NormalizeScopes(s.Clients.DefaultScopes(client))
	}
	if _, err := s.Clients.ValidateScopeSet(ctx, client, scopes); err != nil {
		return nil, err
	}

	grant := s.Grants.NewGrant(storage.GrantKindClientCredentials, client.ClientID, "", scopes, now)
	access := s.Tokens.NewAccessToken(grant, nil, now)
	if err := s.Grants.Record(ctx, grant); err != nil {
		return nil, err
	}
	if err := s.Tokens.Commit(ctx, nil, access); err != nil {
		return nil, err
	}

	s.tokenIssued(ctx, client, grant, req, access)
	return s.tokenResponse(access, now), nil
}

// attachIDToken composes a signed ID token into resp when openid was granted
func (s *Server) attachIDToken(ctx context.Context, resp *TokenResponse, client *storage.Client, grant *storage.Grant, access *storage.AccessToken, now time.Time) error {
	if !slices.Contains(grant.Scopes, ScopeOpenID) || grant.UserName == "" {
		return nil
	}
	user, err := s.store.GetUser(ctx, grant.UserName)
	if err != nil {
		return fmt.Errorf("failed to load user of grant: %w", err)
	}
	idToken, err := s.composeIDToken(ctx, IDTokenRequest{
		Encrypt:     s.Clients.RequiresIDTokenEncryption(client),
		User:        user,
		Scopes:      grant.Scopes,
		AccessToken: access.Token,
	}, now)
	if err != nil {
		return err
	}
	resp.IDToken = idToken
	return nil
}

func (s *Server) composeIDToken(ctx context.Context, req IDTokenRequest, now time.Time) (string, error) {
	ctx, span := s.startSpan(ctx, "engine.id_token",
		attribute.Bool(instrumentation.AttrEncrypted, req.Encrypt))
	defer span.End()

	token, err := s.IDTokens.Compose(ctx, req, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.Int(instrumentation.AttrAudiences, len(token.Audiences)))
	instrumentation.SetSpanSuccess(span)
	if s.metrics != nil {
		s.metrics.RecordIDTokenIssued(ctx, len(token.Audiences), token.Encrypted)
	}
	return token.Token, nil
}

func (s *Server) tokenResponse(access *storage.AccessToken, now time.Time) *TokenResponse {
	return &TokenResponse{
		AccessToken: access.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   security.ExpiresInSeconds(now, access.ExpiresAt),
	}
}

func (s *Server) tokenIssued(ctx context.Context, client *storage.Client, grant *storage.Grant, req TokenRequest, access *storage.AccessToken) {
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, req.GrantType, access.Kind.String())
	}
	s.Auditor.LogTokenIssued(ctx, grant.UserName, client.ClientID, req.ClientIP, req.GrantType, util.JoinScopes(grant.Scopes))
	s.Logger.Info("Issued access token",
		"client_id", client.ClientID,
		"grant_type", req.GrantType,
		"token_kind", access.Kind.String())
}

// ValidateAccessToken reports the grant data of an active, unexpired access
// token for resource servers.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	return s.Tokens.Validate(ctx, token, s.now())
}

// DeactivateAccessToken deactivates an access token with a conditional update
func (s *Server) DeactivateAccessToken(ctx context.Context, token string) error {
	return s.Tokens.Deactivate(ctx, token, s.now())
}
