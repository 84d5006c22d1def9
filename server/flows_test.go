package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/ptero-auth/internal/testutil"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

const (
	c1Redirect = "https://c1.example.com/callback"
	publicID   = "browser-app"
)

// setupFlowTest registers C1: allowed {bar, baz, foo, openid}, defaults
// {bar, baz}, audience for bar, disclosed posix claims and an encryption key.
func setupFlowTest(t *testing.T) (*testEnv, *storage.Client) {
	t.Helper()
	env := setupTestServer(t)
	c1 := env.addClient(t, "c1",
		testutil.WithAllowedScopes("bar", "baz", "foo", "openid"),
		testutil.WithDefaultScopes("bar", "baz"),
		testutil.WithAudienceFor("bar"),
		testutil.WithAudienceClaims(providers.ClaimPosix),
		testutil.WithPublicKey(encryptionKey(t, 1)),
	)
	return env, c1
}

// authorizeCode runs the code flow and returns the issued code
func authorizeCode(t *testing.T, env *testEnv, clientID, scope, redirectURI string) string {
	t.Helper()
	result, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ClientID:     clientID,
		ResponseType: ResponseTypeCode,
		RedirectURI:  redirectURI,
		Scope:        scope,
		State:        "xyz",
	}, env.user, "127.0.0.1")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return result.Code
}

func exchangeCode(env *testEnv, clientID, code, redirectURI string) (*TokenResponse, error) {
	return env.srv.Token(context.Background(), TokenRequest{
		GrantType:            GrantTypeAuthorizationCode,
		ClientID:             clientID,
		ClientSecret:         testutil.TestSecret,
		CredentialsPresented: true,
		Code:                 code,
		RedirectURI:          redirectURI,
	})
}

// verifyIDToken checks the signature of a compact JWS and returns its claims
func verifyIDToken(t *testing.T, env *testEnv, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if err := env.srv.Signer().Verify(token, claims); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return claims
}

func audience(t *testing.T, claims jwt.MapClaims) []string {
	t.Helper()
	aud, err := claims.GetAudience()
	if err != nil {
		t.Fatalf("GetAudience() error = %v", err)
	}
	return aud
}

func namespacedClaims(env *testEnv, claims jwt.MapClaims) map[string]any {
	data, _ := claims[env.srv.Config.ClaimNamespace].(map[string]any)
	return data
}

func TestAuthorize_CodeFlowScenario(t *testing.T) {
	env, c1 := setupFlowTest(t)
	ctx := context.Background()

	result, err := env.srv.Authorize(ctx, AuthorizationRequest{
		ClientID:     c1.ClientID,
		ResponseType: ResponseTypeCode,
		RedirectURI:  c1Redirect,
		Scope:        "bar baz",
		State:        "xyz",
	}, env.user, "127.0.0.1")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := result.Context.State(); got != StateGranted {
		t.Errorf("State() = %s, want %s", got, StateGranted)
	}

	location, err := url.Parse(result.Location())
	if err != nil {
		t.Fatalf("Location() is not a URL: %v", err)
	}
	if location.Host != "c1.example.com" || location.Path != "/callback" {
		t.Errorf("Location() = %s, want redirect to %s", location, c1Redirect)
	}
	query := location.Query()
	if query.Get("code") == "" || query.Get("code") != result.Code {
		t.Errorf("code parameter = %q, want %q", query.Get("code"), result.Code)
	}
	if query.Get("state") != "xyz" {
		t.Errorf("state parameter = %q, want xyz", query.Get("state"))
	}

	resp, err := exchangeCode(env, c1.ClientID, result.Code, c1Redirect)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Errorf("Token() = %+v, want access and refresh tokens", resp)
	}
	if resp.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, TokenTypeBearer)
	}
	if resp.ExpiresIn != 600 {
		t.Errorf("ExpiresIn = %d, want 600", resp.ExpiresIn)
	}
	if resp.IDToken != "" {
		t.Error("IDToken issued without openid scope")
	}

	_, err = exchangeCode(env, c1.ClientID, result.Code, c1Redirect)
	if !errors.Is(err, ErrGrantNotFoundOrConsumed) {
		t.Fatalf("second exchange error = %v, want ErrGrantNotFoundOrConsumed", err)
	}
	if !errors.Is(err, storage.ErrAlreadyConsumed) {
		t.Errorf("second exchange error = %v, want storage.ErrAlreadyConsumed cause", err)
	}
	if got := ProtocolCode(err); got != ErrorCodeInvalidGrant {
		t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidGrant)
	}
}

func TestAuthorize_DefaultScopes(t *testing.T) {
	env, c1 := setupFlowTest(t)

	result, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ClientID:     c1.ClientID,
		ResponseType: ResponseTypeCode,
		RedirectURI:  c1Redirect,
	}, env.user, "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := result.Context.Scopes(); !slices.Equal(got, []string{"bar", "baz"}) {
		t.Errorf("Scopes() = %v, want [bar baz]", got)
	}
}

func TestToken_CodeFlowIDToken(t *testing.T) {
	env, c1 := setupFlowTest(t)

	code := authorizeCode(t, env, c1.ClientID, "openid bar", c1Redirect)
	resp, err := exchangeCode(env, c1.ClientID, code, c1Redirect)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.IDToken == "" {
		t.Fatal("Token() issued no ID token for openid scope")
	}

	claims := verifyIDToken(t, env, resp.IDToken)
	if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID}) {
		t.Errorf("aud = %v, want [%s]", got, c1.ClientID)
	}
	if claims["iss"] != testIssuer {
		t.Errorf("iss = %v, want %s", claims["iss"], testIssuer)
	}
	if claims["sub"] != testSubject {
		t.Errorf("sub = %v, want %s", claims["sub"], testSubject)
	}
	if claims["at_hash"] != security.AtHash(resp.AccessToken) {
		t.Errorf("at_hash = %v, want %s", claims["at_hash"], security.AtHash(resp.AccessToken))
	}
	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if exp-iat != 600 {
		t.Errorf("exp - iat = %v, want 600", exp-iat)
	}

	data := namespacedClaims(env, claims)
	if _, ok := data[providers.ClaimPosix]; !ok {
		t.Errorf("namespaced claims = %v, want posix", data)
	}
	if _, ok := data[providers.ClaimRoles]; ok {
		t.Error("roles disclosed although no audience requested it")
	}
}

func TestToken_MultipleAudiences(t *testing.T) {
	env, c1 := setupFlowTest(t)
	c2 := env.addClient(t, "c2",
		testutil.WithAllowedScopes("qux"),
		testutil.WithAudienceFor("qux"),
		testutil.WithAudienceClaims(providers.ClaimRoles),
	)
	env.addClient(t, "c3",
		testutil.WithAllowedScopes("zed"),
		testutil.WithAudienceFor("zed"),
	)
	agent := env.addClient(t, "agent",
		testutil.WithAllowedScopes("bar", "openid", "qux", "zed"),
	)
	agentRedirect := "https://agent.example.com/callback"

	t.Run("union of claims", func(t *testing.T) {
		code := authorizeCode(t, env, agent.ClientID, "bar openid qux", agentRedirect)
		env.provider.ResetCallCounts()

		resp, err := exchangeCode(env, agent.ClientID, code, agentRedirect)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		claims := verifyIDToken(t, env, resp.IDToken)
		if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID, c2.ClientID}) {
			t.Errorf("aud = %v, want [%s %s]", got, c1.ClientID, c2.ClientID)
		}
		data := namespacedClaims(env, claims)
		for _, field := range []string{providers.ClaimPosix, providers.ClaimRoles} {
			if _, ok := data[field]; !ok {
				t.Errorf("namespaced claims missing %s: %v", field, data)
			}
		}
		if got := env.provider.GetCallCount("Claims"); got != 1 {
			t.Errorf("Claims called %d times, want 1", got)
		}
	})

	t.Run("audience without claims", func(t *testing.T) {
		code := authorizeCode(t, env, agent.ClientID, "openid zed", agentRedirect)
		resp, err := exchangeCode(env, agent.ClientID, code, agentRedirect)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		claims := verifyIDToken(t, env, resp.IDToken)
		if got := audience(t, claims); !slices.Equal(got, []string{"c3"}) {
			t.Errorf("aud = %v, want [c3]", got)
		}
		if _, ok := claims[env.srv.Config.ClaimNamespace]; ok {
			t.Error("namespace present although no audience requested claims")
		}
	})
}

func TestAuthorize_PublicImplicitFlow(t *testing.T) {
	env, c1 := setupFlowTest(t)

	for _, responseType := range []string{"id_token token", "token id_token"} {
		t.Run(responseType, func(t *testing.T) {
			result, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
				ClientID:     publicID,
				ResponseType: responseType,
				Scope:        "openid bar",
				State:        "s1",
			}, env.user, "")
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if got := result.Context.State(); got != StateIssued {
				t.Errorf("State() = %s, want %s", got, StateIssued)
			}

			location, err := url.Parse(result.Location())
			if err != nil {
				t.Fatalf("Location() is not a URL: %v", err)
			}
			if got := location.Scheme + "://" + location.Host + location.Path; got != c1.Confidential.DefaultRedirectURI {
				t.Errorf("redirect = %s, want audience default %s", got, c1.Confidential.DefaultRedirectURI)
			}
			if location.RawQuery != "" {
				t.Errorf("implicit response leaked into the query: %s", location.RawQuery)
			}
			fragment, err := url.ParseQuery(location.Fragment)
			if err != nil {
				t.Fatalf("fragment is not form encoded: %v", err)
			}
			if fragment.Get("access_token") == "" || fragment.Get("token_type") != TokenTypeBearer {
				t.Errorf("fragment = %v, want bearer access token", fragment)
			}
			if fragment.Get("expires_in") != "600" || fragment.Get("state") != "s1" {
				t.Errorf("fragment = %v, want expires_in=600 and state=s1", fragment)
			}

			jws, err := security.DecryptJWE(fragment.Get("id_token"), testutil.RSAKey(t, 1))
			if err != nil {
				t.Fatalf("DecryptJWE() error = %v", err)
			}
			claims := verifyIDToken(t, env, jws)
			if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID}) {
				t.Errorf("aud = %v, want exactly [%s]", got, c1.ClientID)
			}
			if claims["at_hash"] != security.AtHash(fragment.Get("access_token")) {
				t.Error("at_hash does not match the issued access token")
			}

			info, err := env.srv.ValidateAccessToken(context.Background(), fragment.Get("access_token"))
			if err != nil {
				t.Fatalf("ValidateAccessToken() error = %v", err)
			}
			if info.Kind != storage.AccessTokenSingleton || info.ClientID != publicID || info.UserName != testUserName {
				t.Errorf("ValidateAccessToken() = %+v, want singleton token of %s for %s", info, publicID, testUserName)
			}
		})
	}
}

func TestAuthorize_PublicTokenWithoutOpenID(t *testing.T) {
	env, _ := setupFlowTest(t)

	result, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ClientID:     publicID,
		ResponseType: ResponseTypeToken,
		RedirectURI:  "https://c1.example.com/spa",
		Scope:        "bar",
	}, env.user, "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.AccessToken == "" {
		t.Error("AccessToken is empty")
	}
	if result.IDToken != "" {
		t.Error("IDToken issued without openid scope")
	}
}

func TestAuthorize_PublicScopeRules(t *testing.T) {
	env, _ := setupFlowTest(t)
	env.addClient(t, "nokey",
		testutil.WithAllowedScopes("plain"),
		testutil.WithAudienceFor("plain"),
	)

	tests := []struct {
		name    string
		scope   string
		wantErr bool
	}{
		{name: "single resource scope", scope: "bar"},
		{name: "resource scope with openid", scope: "bar openid"},
		{name: "openid alone", scope: "openid", wantErr: true},
		{name: "two resource scopes", scope: "bar baz", wantErr: true},
		{name: "three scopes", scope: "bar baz openid", wantErr: true},
		{name: "scope without audience", scope: "baz", wantErr: true},
		{name: "unknown scope", scope: "nope", wantErr: true},
		{name: "openid for audience without key", scope: "openid plain", wantErr: true},
		{name: "audience without key, no openid", scope: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
				ClientID:     publicID,
				ResponseType: ResponseTypeToken,
				Scope:        tt.scope,
			}, env.user, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authorize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var authErr *AuthorizationError
			if !errors.As(err, &authErr) {
				t.Fatalf("error %T is not *AuthorizationError", err)
			}
			if authErr.Code() != ErrorCodeInvalidScope {
				t.Errorf("Code() = %q, want %q", authErr.Code(), ErrorCodeInvalidScope)
			}
			if authErr.Redirectable() {
				t.Error("scope failure must not redirect")
			}
		})
	}
}

func TestAuthorize_PublicAudienceDeactivated(t *testing.T) {
	env, c1 := setupFlowTest(t)
	if err := env.srv.DeactivateClient(context.Background(), c1.ClientID, "admin"); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	_, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ClientID:     publicID,
		ResponseType: ResponseTypeToken,
		Scope:        "bar",
	}, env.user, "")
	if !errors.Is(err, ErrInvalidScopeSet) {
		t.Errorf("Authorize() error = %v, want ErrInvalidScopeSet", err)
	}
}

func TestAuthorize_DirectErrors(t *testing.T) {
	env, c1 := setupFlowTest(t)
	inactive := env.addClient(t, "retired", testutil.WithAllowedScopes("foo"))
	if err := env.srv.DeactivateClient(context.Background(), inactive.ClientID, "admin"); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	tests := []struct {
		name     string
		req      AuthorizationRequest
		noUser   bool
		wantCode string
		wantErr  error
	}{
		{
			name:     "missing client id",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, RedirectURI: c1Redirect},
			wantCode: ErrorCodeInvalidClient,
			wantErr:  ErrClientNotFound,
		},
		{
			name:     "inactive client",
			req:      AuthorizationRequest{ClientID: inactive.ClientID, ResponseType: ResponseTypeCode, RedirectURI: "https://retired.example.com/cb"},
			wantCode: ErrorCodeInvalidClient,
			wantErr:  ErrClientNotFound,
		},
		{
			name:     "confidential client asks for token without redirect uri",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeToken, Scope: "bar"},
			wantCode: ErrorCodeUnsupportedResponseType,
			wantErr:  ErrUnsupportedResponseType,
		},
		{
			name:     "public client asks for code",
			req:      AuthorizationRequest{ClientID: publicID, ResponseType: ResponseTypeCode, Scope: "bar"},
			wantCode: ErrorCodeUnsupportedResponseType,
			wantErr:  ErrUnsupportedResponseType,
		},
		{
			name:     "missing response type without redirect uri",
			req:      AuthorizationRequest{ClientID: c1.ClientID},
			wantCode: ErrorCodeInvalidRequest,
			wantErr:  ErrInvalidRequest,
		},
		{
			name:     "scope outside allowed set with untrusted redirect uri",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeCode, RedirectURI: "https://evil.example.com/callback", Scope: "bar qux"},
			wantCode: ErrorCodeInvalidScope,
			wantErr:  ErrInvalidScopeSet,
		},
		{
			name:     "public client with unknown scope",
			req:      AuthorizationRequest{ClientID: publicID, ResponseType: ResponseTypeToken, RedirectURI: "https://c1.example.com/spa", Scope: "nope"},
			wantCode: ErrorCodeInvalidScope,
			wantErr:  ErrInvalidScopeSet,
		},
		{
			name:     "code flow without redirect uri",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeCode, Scope: "bar"},
			wantCode: ErrorCodeInvalidRequest,
			wantErr:  ErrInvalidRequest,
		},
		{
			name:     "redirect uri outside pattern",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeCode, RedirectURI: "https://evil.example.com/callback", Scope: "bar"},
			wantCode: ErrorCodeInvalidRequest,
			wantErr:  ErrInvalidRedirectURI,
		},
		{
			name:     "redirect uri with matching prefix only",
			req:      AuthorizationRequest{ClientID: publicID, ResponseType: ResponseTypeToken, RedirectURI: "https://evil.com/?https://c1.example.com/x", Scope: "bar"},
			wantCode: ErrorCodeInvalidRequest,
			wantErr:  ErrInvalidRedirectURI,
		},
		{
			name:     "no resource owner",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeCode, RedirectURI: c1Redirect, Scope: "bar"},
			noUser:   true,
			wantCode: ErrorCodeAccessDenied,
			wantErr:  ErrUserAuthenticationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := env.user
			if tt.noUser {
				user = nil
			}
			tt.req.State = "st"
			result, err := env.srv.Authorize(context.Background(), tt.req, user, "")
			if err == nil {
				t.Fatalf("Authorize() = %+v, want error", result)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
			var authErr *AuthorizationError
			if !errors.As(err, &authErr) {
				t.Fatalf("error %T is not *AuthorizationError", err)
			}
			if authErr.Code() != tt.wantCode {
				t.Errorf("Code() = %q, want %q", authErr.Code(), tt.wantCode)
			}
			if authErr.Redirectable() || authErr.Location() != "" {
				t.Errorf("error before redirect validation redirects to %q", authErr.Location())
			}
		})
	}
}

func TestAuthorize_ConfidentialErrorsRedirect(t *testing.T) {
	env, c1 := setupFlowTest(t)

	tests := []struct {
		name     string
		req      AuthorizationRequest
		wantCode string
		wantErr  error
	}{
		{
			name:     "scope outside allowed set",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeCode, RedirectURI: c1Redirect, Scope: "bar qux"},
			wantCode: ErrorCodeInvalidScope,
			wantErr:  ErrInvalidScopeSet,
		},
		{
			name:     "confidential client asks for token",
			req:      AuthorizationRequest{ClientID: c1.ClientID, ResponseType: ResponseTypeToken, RedirectURI: c1Redirect, Scope: "bar"},
			wantCode: ErrorCodeUnsupportedResponseType,
			wantErr:  ErrUnsupportedResponseType,
		},
		{
			name:     "missing response type",
			req:      AuthorizationRequest{ClientID: c1.ClientID, RedirectURI: c1Redirect},
			wantCode: ErrorCodeInvalidRequest,
			wantErr:  ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.State = "st"
			_, err := env.srv.Authorize(context.Background(), tt.req, env.user, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
			var authErr *AuthorizationError
			if !errors.As(err, &authErr) || !authErr.Redirectable() {
				t.Fatalf("error = %v, want redirectable *AuthorizationError", err)
			}

			location, err := url.Parse(authErr.Location())
			if err != nil {
				t.Fatalf("Location() is not a URL: %v", err)
			}
			if location.Host != "c1.example.com" || location.Path != "/callback" || location.Fragment != "" {
				t.Errorf("Location() = %s, want query redirect to %s", location, c1Redirect)
			}
			query := location.Query()
			if query.Get("error") != tt.wantCode || query.Get("state") != "st" {
				t.Errorf("query = %v, want error=%s and state=st", query, tt.wantCode)
			}
		})
	}
}

func TestAuthorize_ClaimLookupFailureRedirects(t *testing.T) {
	env, _ := setupFlowTest(t)
	env.provider.ClaimsFunc = func(context.Context, string, []string) (map[string]any, error) {
		return nil, fmt.Errorf("directory unavailable")
	}

	_, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ClientID:     publicID,
		ResponseType: ResponseTypeIDTokenToken,
		Scope:        "bar openid",
		State:        "s2",
	}, env.user, "")
	if !errors.Is(err, ErrClaimLookupFailed) {
		t.Fatalf("Authorize() error = %v, want ErrClaimLookupFailed", err)
	}
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) || !authErr.Redirectable() {
		t.Fatalf("error = %v, want redirectable *AuthorizationError", err)
	}

	location, err := url.Parse(authErr.Location())
	if err != nil {
		t.Fatalf("Location() is not a URL: %v", err)
	}
	fragment, _ := url.ParseQuery(location.Fragment)
	if fragment.Get("error") != ErrorCodeServerError || fragment.Get("state") != "s2" {
		t.Errorf("fragment = %v, want error=server_error and state=s2", fragment)
	}
	if fragment.Get("access_token") != "" {
		t.Error("access token delivered despite failed claim lookup")
	}
}

func TestToken_ClaimLookupFailureIssuesNothing(t *testing.T) {
	env, c1 := setupFlowTest(t)
	code := authorizeCode(t, env, c1.ClientID, "bar openid", c1Redirect)

	env.provider.ClaimsFunc = func(context.Context, string, []string) (map[string]any, error) {
		return map[string]any{}, nil
	}
	resp, err := exchangeCode(env, c1.ClientID, code, c1Redirect)
	if !errors.Is(err, ErrClaimLookupFailed) {
		t.Fatalf("Token() = %+v, %v, want ErrClaimLookupFailed", resp, err)
	}
	if got := ProtocolCode(err); got != ErrorCodeServerError {
		t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeServerError)
	}

	// The code was consumed before composition; it cannot be retried.
	_, err = exchangeCode(env, c1.ClientID, code, c1Redirect)
	if !errors.Is(err, ErrGrantNotFoundOrConsumed) {
		t.Errorf("retry error = %v, want ErrGrantNotFoundOrConsumed", err)
	}
}

func TestToken_RedirectURIBinding(t *testing.T) {
	env, c1 := setupFlowTest(t)
	code := authorizeCode(t, env, c1.ClientID, "bar", c1Redirect)

	for _, uri := range []string{"https://c1.example.com/other", c1Redirect + "/", ""} {
		_, err := exchangeCode(env, c1.ClientID, code, uri)
		if !errors.Is(err, ErrRedirectURIMismatch) {
			t.Errorf("exchange at %q error = %v, want ErrRedirectURIMismatch", uri, err)
		}
		if got := ProtocolCode(err); got != ErrorCodeInvalidGrant {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	}

	if _, err := exchangeCode(env, c1.ClientID, code, c1Redirect); err != nil {
		t.Errorf("exchange at the bound redirect after mismatches error = %v", err)
	}
}

func TestToken_CodeErrors(t *testing.T) {
	env, c1 := setupFlowTest(t)
	other := env.addClient(t, "other", testutil.WithAllowedScopes("bar"))

	t.Run("code of another client", func(t *testing.T) {
		code := authorizeCode(t, env, c1.ClientID, "bar", c1Redirect)
		_, err := exchangeCode(env, other.ClientID, code, c1Redirect)
		if !errors.Is(err, ErrGrantNotFoundOrConsumed) {
			t.Errorf("Token() error = %v, want ErrGrantNotFoundOrConsumed", err)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := exchangeCode(env, c1.ClientID, "no-such-code", c1Redirect)
		if !errors.Is(err, ErrGrantNotFoundOrConsumed) {
			t.Errorf("Token() error = %v, want ErrGrantNotFoundOrConsumed", err)
		}
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := exchangeCode(env, c1.ClientID, "", c1Redirect)
		if got := ProtocolCode(err); got != ErrorCodeInvalidRequest {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidRequest)
		}
	})

	t.Run("expired code", func(t *testing.T) {
		code := authorizeCode(t, env, c1.ClientID, "bar", c1Redirect)
		env.clock.Advance(11 * time.Minute)
		_, err := exchangeCode(env, c1.ClientID, code, c1Redirect)
		if !errors.Is(err, storage.ErrExpired) {
			t.Errorf("Token() error = %v, want storage.ErrExpired cause", err)
		}
		if got := ProtocolCode(err); got != ErrorCodeInvalidGrant {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})
}

func TestToken_ConcurrentRedemption(t *testing.T) {
	env, c1 := setupFlowTest(t)
	code := authorizeCode(t, env, c1.ClientID, "bar baz", c1Redirect)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exchangeCode(env, c1.ClientID, code, c1Redirect)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrGrantNotFoundOrConsumed):
				consumed++
			default:
				t.Errorf("unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || consumed != workers-1 {
		t.Errorf("successes = %d, consumed = %d, want 1 and %d", successes, consumed, workers-1)
	}
}

func TestToken_ClientAuthentication(t *testing.T) {
	env, c1 := setupFlowTest(t)

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{
			name:     "wrong secret",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: c1.ClientID, ClientSecret: "wrong", CredentialsPresented: true},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing secret",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: c1.ClientID},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing client id",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered client presenting credentials",
			req:      TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: publicID, ClientSecret: "x", CredentialsPresented: true},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "public client at the token endpoint",
			req:      TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: publicID, Code: "c", RedirectURI: c1Redirect},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "unknown grant type",
			req:      TokenRequest{GrantType: "password", ClientID: c1.ClientID, ClientSecret: testutil.TestSecret},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "missing grant type",
			req:      TokenRequest{ClientID: c1.ClientID, ClientSecret: testutil.TestSecret},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.srv.Token(context.Background(), tt.req)
			if err == nil {
				t.Fatalf("Token() = %+v, want error", resp)
			}
			if got := ProtocolCode(err); got != tt.wantCode {
				t.Errorf("ProtocolCode(%v) = %q, want %q", err, got, tt.wantCode)
			}
		})
	}
}

func TestToken_Refresh(t *testing.T) {
	env, c1 := setupFlowTest(t)
	ctx := context.Background()

	code := authorizeCode(t, env, c1.ClientID, "bar baz openid", c1Redirect)
	first, err := exchangeCode(env, c1.ClientID, code, c1Redirect)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	refresh := func(clientID, scope string) (*TokenResponse, error) {
		return env.srv.Token(ctx, TokenRequest{
			GrantType:            GrantTypeRefreshToken,
			ClientID:             clientID,
			ClientSecret:         testutil.TestSecret,
			CredentialsPresented: true,
			RefreshToken:         first.RefreshToken,
			Scope:                scope,
		})
	}

	t.Run("same grant", func(t *testing.T) {
		env.clock.Advance(time.Minute)
		resp, err := refresh(c1.ClientID, "")
		if err != nil {
			t.Fatalf("refresh error = %v", err)
		}
		if resp.AccessToken == "" || resp.AccessToken == first.AccessToken {
			t.Errorf("AccessToken = %q, want a new token", resp.AccessToken)
		}
		if resp.RefreshToken != "" {
			t.Error("refresh response carries a new refresh token")
		}
		if resp.IDToken == "" {
			t.Error("refresh response lacks an ID token for an openid grant")
		}

		info, err := env.srv.ValidateAccessToken(ctx, resp.AccessToken)
		if err != nil {
			t.Fatalf("ValidateAccessToken() error = %v", err)
		}
		if info.Kind != storage.AccessTokenRefreshable {
			t.Errorf("Kind = %s, want refreshable", info.Kind)
		}
		if !slices.Equal(info.Scopes, []string{"bar", "baz", "openid"}) {
			t.Errorf("Scopes = %v, want the granted set", info.Scopes)
		}
	})

	t.Run("granted set in another order", func(t *testing.T) {
		if _, err := refresh(c1.ClientID, "openid baz bar"); err != nil {
			t.Errorf("refresh error = %v", err)
		}
	})

	t.Run("narrowed scope", func(t *testing.T) {
		_, err := refresh(c1.ClientID, "bar")
		if got := ProtocolCode(err); got != ErrorCodeInvalidScope {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidScope)
		}
	})

	t.Run("widened scope", func(t *testing.T) {
		_, err := refresh(c1.ClientID, "bar baz foo openid")
		if got := ProtocolCode(err); got != ErrorCodeInvalidScope {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidScope)
		}
	})

	t.Run("another client", func(t *testing.T) {
		other := env.addClient(t, "thief", testutil.WithAllowedScopes("bar"))
		_, err := refresh(other.ClientID, "")
		if !errors.Is(err, ErrRefreshTokenInvalid) {
			t.Errorf("refresh error = %v, want ErrRefreshTokenInvalid", err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := env.srv.Token(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			ClientID:     c1.ClientID,
			ClientSecret: testutil.TestSecret,
			RefreshToken: "nope",
		})
		if got := ProtocolCode(err); got != ErrorCodeInvalidGrant {
			t.Errorf("ProtocolCode() = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})

	t.Run("expired", func(t *testing.T) {
		env.clock.Advance(31 * 24 * time.Hour)
		_, err := refresh(c1.ClientID, "")
		if !errors.Is(err, ErrRefreshTokenInvalid) {
			t.Errorf("refresh error = %v, want ErrRefreshTokenInvalid", err)
		}
	})
}

func TestToken_ClientCredentials(t *testing.T) {
	env, c1 := setupFlowTest(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		scope      string
		wantScopes []string
		wantCode   string
	}{
		{name: "default scopes", wantScopes: []string{"bar", "baz"}},
		{name: "requested subset", scope: "foo", wantScopes: []string{"foo"}},
		{name: "outside allowed set", scope: "foo qux", wantCode: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.srv.Token(ctx, TokenRequest{
				GrantType:            GrantTypeClientCredentials,
				ClientID:             c1.ClientID,
				ClientSecret:         testutil.TestSecret,
				CredentialsPresented: true,
				Scope:                tt.scope,
			})
			if tt.wantCode != "" {
				if got := ProtocolCode(err); got != tt.wantCode {
					t.Fatalf("ProtocolCode(%v) = %q, want %q", err, got, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if resp.RefreshToken != "" || resp.IDToken != "" {
				t.Errorf("Token() = %+v, want access token only", resp)
			}

			info, err := env.srv.ValidateAccessToken(ctx, resp.AccessToken)
			if err != nil {
				t.Fatalf("ValidateAccessToken() error = %v", err)
			}
			if info.Kind != storage.AccessTokenSingleton || info.UserName != "" || info.ClientID != c1.ClientID {
				t.Errorf("ValidateAccessToken() = %+v, want singleton client token", info)
			}
			if !slices.Equal(info.Scopes, tt.wantScopes) {
				t.Errorf("Scopes = %v, want %v", info.Scopes, tt.wantScopes)
			}
		})
	}
}

func TestValidateAccessToken_ExpiryAndDeactivation(t *testing.T) {
	env, c1 := setupFlowTest(t)
	ctx := context.Background()

	issue := func() string {
		t.Helper()
		resp, err := env.srv.Token(ctx, TokenRequest{
			GrantType:    GrantTypeClientCredentials,
			ClientID:     c1.ClientID,
			ClientSecret: testutil.TestSecret,
		})
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		return resp.AccessToken
	}

	deactivated := issue()
	if err := env.srv.DeactivateAccessToken(ctx, deactivated); err != nil {
		t.Fatalf("DeactivateAccessToken() error = %v", err)
	}
	if _, err := env.srv.ValidateAccessToken(ctx, deactivated); !errors.Is(err, storage.ErrAlreadyConsumed) {
		t.Errorf("ValidateAccessToken(deactivated) error = %v, want ErrAlreadyConsumed", err)
	}
	if err := env.srv.DeactivateAccessToken(ctx, deactivated); !errors.Is(err, storage.ErrAlreadyConsumed) {
		t.Errorf("second DeactivateAccessToken() error = %v, want ErrAlreadyConsumed", err)
	}

	expiring := issue()
	env.clock.Advance(10 * time.Minute)
	if _, err := env.srv.ValidateAccessToken(ctx, expiring); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ValidateAccessToken(expired) error = %v, want ErrExpired", err)
	}

	if _, err := env.srv.ValidateAccessToken(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ValidateAccessToken(unknown) error = %v, want ErrNotFound", err)
	}
}
