package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/ptero-auth/internal/testutil"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// hidingClientStore reports one client as missing
type hidingClientStore struct {
	storage.ClientStore
	hidden string
}

func (h hidingClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == h.hidden {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return h.ClientStore.GetClient(ctx, clientID)
}

func composeClaims(t *testing.T, env *testEnv, composer *IDTokenComposer, scopes ...string) jwt.MapClaims {
	t.Helper()
	token, err := composer.Compose(context.Background(), IDTokenRequest{
		User:        env.user,
		Scopes:      scopes,
		AccessToken: "access",
	}, env.clock.Now())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if token.Encrypted {
		t.Error("Compose() encrypted without being asked to")
	}
	return verifyIDToken(t, env, token.Token)
}

func TestIDTokenComposer_SkipsScopesWithoutAudience(t *testing.T) {
	env, c1 := setupFlowTest(t)

	claims := composeClaims(t, env, env.srv.IDTokens, "bar", "baz", "openid")
	if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID}) {
		t.Errorf("aud = %v, want [%s]", got, c1.ClientID)
	}
}

func TestIDTokenComposer_NoAudience(t *testing.T) {
	env, _ := setupFlowTest(t)

	claims := composeClaims(t, env, env.srv.IDTokens, "openid")
	if got := audience(t, claims); len(got) != 0 {
		t.Errorf("aud = %v, want empty", got)
	}
	if _, ok := claims[env.srv.Config.ClaimNamespace]; ok {
		t.Error("namespace present without audiences")
	}
}

func TestIDTokenComposer_MissingAudienceClient(t *testing.T) {
	env, c1 := setupFlowTest(t)
	env.addClient(t, "c2", testutil.WithAllowedScopes("qux"), testutil.WithAudienceFor("qux"))

	composer := NewIDTokenComposer(
		env.srv.Scopes,
		hidingClientStore{ClientStore: env.store, hidden: "c2"},
		env.provider,
		env.srv.Signer(),
		env.srv.Config,
		nil,
	)
	claims := composeClaims(t, env, composer, "bar", "openid", "qux")
	if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID}) {
		t.Errorf("aud = %v, want [%s]", got, c1.ClientID)
	}
}

func TestIDTokenComposer_SkipsInactiveAudience(t *testing.T) {
	env, c1 := setupFlowTest(t)
	env.addClient(t, "c2",
		testutil.WithAllowedScopes("qux"),
		testutil.WithAudienceFor("qux"),
		testutil.WithAudienceClaims(providers.ClaimRoles),
	)
	if err := env.srv.DeactivateClient(context.Background(), "c2", "admin"); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	claims := composeClaims(t, env, env.srv.IDTokens, "bar", "openid", "qux")
	if got := audience(t, claims); !slices.Equal(got, []string{c1.ClientID}) {
		t.Errorf("aud = %v, want [%s]", got, c1.ClientID)
	}
	data := namespacedClaims(env, claims)
	if _, ok := data[providers.ClaimRoles]; ok {
		t.Errorf("claims of a deactivated audience disclosed: %v", data)
	}
	if _, ok := data[providers.ClaimPosix]; !ok {
		t.Errorf("namespaced claims missing %s: %v", providers.ClaimPosix, data)
	}
}

func TestIDTokenComposer_ClaimLookup(t *testing.T) {
	env, _ := setupFlowTest(t)

	var requested []string
	env.provider.ClaimsFunc = func(_ context.Context, username string, fields []string) (map[string]any, error) {
		requested = fields
		if username != testUserName {
			return nil, providers.ErrUnknownUser
		}
		return map[string]any{providers.ClaimPosix: providers.PosixInfo{Username: username, UID: 7}}, nil
	}

	claims := composeClaims(t, env, env.srv.IDTokens, "bar", "openid")
	if !slices.Equal(requested, []string{providers.ClaimPosix}) {
		t.Errorf("requested fields = %v, want [posix]", requested)
	}
	posix, ok := namespacedClaims(env, claims)[providers.ClaimPosix].(map[string]any)
	if !ok {
		t.Fatalf("posix claim missing: %v", claims)
	}
	if posix["uid"] != float64(7) {
		t.Errorf("posix.uid = %v, want 7", posix["uid"])
	}

	env.provider.ClaimsFunc = func(context.Context, string, []string) (map[string]any, error) {
		return nil, providers.ErrUnknownUser
	}
	_, err := env.srv.IDTokens.Compose(context.Background(), IDTokenRequest{
		User:   env.user,
		Scopes: []string{"bar", "openid"},
	}, env.clock.Now())
	if !errors.Is(err, ErrClaimLookupFailed) || !errors.Is(err, providers.ErrUnknownUser) {
		t.Errorf("Compose() error = %v, want ErrClaimLookupFailed wrapping the provider error", err)
	}
}

func TestIDTokenComposer_Encryption(t *testing.T) {
	env, c1 := setupFlowTest(t)
	ctx := context.Background()

	t.Run("encrypted for the audience", func(t *testing.T) {
		token, err := env.srv.IDTokens.Compose(ctx, IDTokenRequest{
			Encrypt:     true,
			Audience:    c1,
			User:        env.user,
			Scopes:      []string{"bar", "openid"},
			AccessToken: "access",
		}, env.clock.Now())
		if err != nil {
			t.Fatalf("Compose() error = %v", err)
		}
		if !token.Encrypted {
			t.Error("Encrypted = false")
		}
		if _, err := security.DecryptJWE(token.Token, testutil.RSAKey(t, 0)); err == nil {
			t.Error("DecryptJWE() with a foreign key succeeded")
		}
		jws, err := security.DecryptJWE(token.Token, testutil.RSAKey(t, 1))
		if err != nil {
			t.Fatalf("DecryptJWE() error = %v", err)
		}
		claims := verifyIDToken(t, env, jws)
		if claims["sub"] != testSubject {
			t.Errorf("sub = %v, want %s", claims["sub"], testSubject)
		}
	})

	tests := []struct {
		name     string
		audience *storage.Client
		scopes   []string
	}{
		{name: "no audience client", audience: nil, scopes: []string{"bar", "openid"}},
		{name: "audience without key", audience: testutil.NewConfidentialClient("bare"), scopes: []string{"bar", "openid"}},
		{name: "audience not named by scopes", audience: c1, scopes: []string{"openid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.IDTokens.Compose(ctx, IDTokenRequest{
				Encrypt:  true,
				Audience: tt.audience,
				User:     env.user,
				Scopes:   tt.scopes,
			}, env.clock.Now())
			if err == nil {
				t.Error("Compose() succeeded without an unambiguous encryption target")
			}
		})
	}
}

func TestIDTokenComposer_RequiresUser(t *testing.T) {
	env, _ := setupFlowTest(t)
	if _, err := env.srv.IDTokens.Compose(context.Background(), IDTokenRequest{Scopes: []string{"openid"}}, env.clock.Now()); err == nil {
		t.Error("Compose() without a user succeeded")
	}
}
