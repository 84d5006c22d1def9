// Package storagetest holds a behavioural test suite shared by every
// storage.Store implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/ptero-auth/internal/testutil"
	"github.com/giantswarm/ptero-auth/storage"
)

// StoreFactory returns a fresh, empty store for a single test.
type StoreFactory func(testing.TB) storage.Store

// Run executes the whole suite against stores produced by factory.
func Run(t *testing.T, factory StoreFactory) {
	t.Run("Clients", func(t *testing.T) { RunClients(t, factory) })
	t.Run("Grants", func(t *testing.T) { RunGrants(t, factory) })
	t.Run("Tokens", func(t *testing.T) { RunTokens(t, factory) })
	t.Run("Users", func(t *testing.T) { RunUsers(t, factory) })
}

// RunClients covers client registration and the audience relation.
func RunClients(t *testing.T, factory StoreFactory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := factory(t)
		client := testutil.NewConfidentialClient("alpha",
			testutil.WithAllowedScopes("openid", "read"),
			testutil.WithDefaultScopes("read"),
			testutil.WithAudienceFor("alpha.api"),
			testutil.WithAudienceClaims(storage.ClaimPosix),
			testutil.WithPublicKey(&storage.EncryptionKey{KeyID: "k1", PEM: "pem", Algorithm: "RSA-OAEP-256", Encryption: "A128CBC-HS256"}),
		)
		if err := store.CreateClient(ctx, client); err != nil {
			t.Fatalf("CreateClient() error = %v", err)
		}

		got, err := store.GetClient(ctx, "alpha")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if !got.IsConfidential() {
			t.Fatalf("Kind = %v, want confidential", got.Kind)
		}
		if !got.Active {
			t.Error("Active = false, want true")
		}
		if got.Confidential.SecretHash != client.Confidential.SecretHash {
			t.Error("SecretHash was not preserved")
		}
		if got.Confidential.RedirectURIRegex != client.Confidential.RedirectURIRegex {
			t.Errorf("RedirectURIRegex = %q, want %q", got.Confidential.RedirectURIRegex, client.Confidential.RedirectURIRegex)
		}
		if !slices.Equal(got.AllowedScopes, []string{"openid", "read"}) {
			t.Errorf("AllowedScopes = %v", got.AllowedScopes)
		}
		if !slices.Equal(got.DefaultScopes, []string{"read"}) {
			t.Errorf("DefaultScopes = %v", got.DefaultScopes)
		}
		if !slices.Equal(got.AudienceFor, []string{"alpha.api"}) {
			t.Errorf("AudienceFor = %v", got.AudienceFor)
		}
		if !slices.Equal(got.AudienceClaims, []string{storage.ClaimPosix}) {
			t.Errorf("AudienceClaims = %v", got.AudienceClaims)
		}
		if got.PublicKey == nil || got.PublicKey.KeyID != "k1" || got.PublicKey.Algorithm != "RSA-OAEP-256" {
			t.Errorf("PublicKey = %+v", got.PublicKey)
		}
		if !got.CreatedAt.Equal(client.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, client.CreatedAt)
		}

		// Returned values must not alias stored state.
		got.AllowedScopes[0] = "mutated"
		again, _ := store.GetClient(ctx, "alpha")
		if again.AllowedScopes[0] != "openid" {
			t.Error("GetClient() returned a shared slice")
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		store := factory(t)
		_, err := store.GetClient(ctx, "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetClient() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := factory(t)
		if err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha")); err != nil {
			t.Fatalf("CreateClient() error = %v", err)
		}
		err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha"))
		if !errors.Is(err, storage.ErrConflict) {
			t.Errorf("CreateClient() error = %v, want ErrConflict", err)
		}
	})

	t.Run("audience resolution", func(t *testing.T) {
		store := factory(t)
		if err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha",
			testutil.WithAllowedScopes("openid", "beta.api"),
			testutil.WithAudienceFor("alpha.api", "alpha.admin"))); err != nil {
			t.Fatalf("CreateClient() error = %v", err)
		}

		for _, scope := range []string{"alpha.api", "alpha.admin"} {
			aud, err := store.AudienceFor(ctx, scope)
			if err != nil {
				t.Fatalf("AudienceFor(%q) error = %v", scope, err)
			}
			if aud != "alpha" {
				t.Errorf("AudienceFor(%q) = %q, want alpha", scope, aud)
			}
		}
		if _, err := store.AudienceFor(ctx, "beta.api"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("AudienceFor(beta.api) error = %v, want ErrNotFound", err)
		}
		if _, err := store.AudienceFor(ctx, "never.seen"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("AudienceFor(never.seen) error = %v, want ErrNotFound", err)
		}

		scopes, err := store.ListScopes(ctx)
		if err != nil {
			t.Fatalf("ListScopes() error = %v", err)
		}
		var values []string
		for _, s := range scopes {
			values = append(values, s.Value)
		}
		want := []string{"alpha.admin", "alpha.api", "beta.api", "openid"}
		if !slices.Equal(values, want) {
			t.Errorf("ListScopes() = %v, want %v", values, want)
		}
	})

	t.Run("audience conflict is atomic", func(t *testing.T) {
		store := factory(t)
		if err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha",
			testutil.WithAudienceFor("shared"))); err != nil {
			t.Fatalf("CreateClient() error = %v", err)
		}
		err := store.CreateClient(ctx, testutil.NewConfidentialClient("beta",
			testutil.WithAudienceFor("beta.api", "shared")))
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("CreateClient() error = %v, want ErrConflict", err)
		}
		if _, err := store.GetClient(ctx, "beta"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetClient(beta) error = %v, want ErrNotFound", err)
		}
		if _, err := store.AudienceFor(ctx, "beta.api"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("AudienceFor(beta.api) error = %v, want ErrNotFound", err)
		}
		aud, err := store.AudienceFor(ctx, "shared")
		if err != nil || aud != "alpha" {
			t.Errorf("AudienceFor(shared) = %q, %v, want alpha", aud, err)
		}
	})

	t.Run("concurrent audience claims", func(t *testing.T) {
		store := factory(t)
		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.CreateClient(ctx, testutil.NewConfidentialClient(fmt.Sprintf("c%d", i),
					testutil.WithAudienceFor("contested")))
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			switch {
			case err == nil:
				winners++
			case !errors.Is(err, storage.ErrConflict):
				t.Errorf("CreateClient() unexpected error = %v", err)
			}
		}
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})

	t.Run("list and deactivate", func(t *testing.T) {
		store := factory(t)
		for _, id := range []string{"charlie", "alpha", "bravo"} {
			if err := store.CreateClient(ctx, testutil.NewConfidentialClient(id)); err != nil {
				t.Fatalf("CreateClient(%s) error = %v", id, err)
			}
		}
		clients, err := store.ListClients(ctx)
		if err != nil {
			t.Fatalf("ListClients() error = %v", err)
		}
		var ids []string
		for _, c := range clients {
			ids = append(ids, c.ClientID)
		}
		if !slices.Equal(ids, []string{"alpha", "bravo", "charlie"}) {
			t.Errorf("ListClients() = %v", ids)
		}

		at := time.Now().UTC().Truncate(time.Second)
		if err := store.DeactivateClient(ctx, "bravo", "admin", at); err != nil {
			t.Fatalf("DeactivateClient() error = %v", err)
		}
		got, err := store.GetClient(ctx, "bravo")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if got.Active || got.DeactivatedBy != "admin" || !got.DeactivatedAt.Equal(at) {
			t.Errorf("deactivated client = %+v", got)
		}
		if err := store.DeactivateClient(ctx, "bravo", "admin", at); !errors.Is(err, storage.ErrAlreadyConsumed) {
			t.Errorf("second DeactivateClient() error = %v, want ErrAlreadyConsumed", err)
		}
		if err := store.DeactivateClient(ctx, "zulu", "admin", at); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("DeactivateClient(zulu) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("public clients are rejected", func(t *testing.T) {
		store := factory(t)
		err := store.CreateClient(ctx, &storage.Client{Kind: storage.ClientKindPublic, ClientID: "browser"})
		if err == nil {
			t.Error("CreateClient() with public client should return error")
		}
	})
}

// RunGrants covers grant persistence and single-use code redemption.
func RunGrants(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	redirect := "https://alpha.example.com/callback"

	seed := func(t *testing.T) storage.Store {
		t.Helper()
		store := factory(t)
		if err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha")); err != nil {
			t.Fatalf("CreateClient() error = %v", err)
		}
		grant := testutil.NewAuthorizationCodeGrant("g1", "code-1", "alpha", "alice", redirect, now.Add(10*time.Minute), "openid", "read")
		if err := store.SaveGrant(ctx, grant); err != nil {
			t.Fatalf("SaveGrant() error = %v", err)
		}
		return store
	}

	t.Run("get grant", func(t *testing.T) {
		store := seed(t)
		got, err := store.GetGrant(ctx, "g1")
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if got.Kind != storage.GrantKindAuthorizationCode || got.UserName != "alice" || got.Code != "code-1" {
			t.Errorf("GetGrant() = %+v", got)
		}
		if !slices.Equal(got.Scopes, []string{"openid", "read"}) {
			t.Errorf("Scopes = %v", got.Scopes)
		}
		if !got.Active {
			t.Error("Active = false, want true")
		}
		if _, err := store.GetGrant(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetGrant(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate code", func(t *testing.T) {
		store := seed(t)
		dup := testutil.NewAuthorizationCodeGrant("g2", "code-1", "alpha", "alice", redirect, now.Add(time.Minute))
		if err := store.SaveGrant(ctx, dup); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("SaveGrant() error = %v, want ErrConflict", err)
		}
	})

	t.Run("client credentials grant", func(t *testing.T) {
		store := seed(t)
		grant := &storage.Grant{ID: "cc1", Kind: storage.GrantKindClientCredentials, ClientID: "alpha", Scopes: []string{"read"}, CreatedAt: now}
		if err := store.SaveGrant(ctx, grant); err != nil {
			t.Fatalf("SaveGrant() error = %v", err)
		}
		got, err := store.GetGrant(ctx, "cc1")
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if got.Kind != storage.GrantKindClientCredentials || got.UserName != "" {
			t.Errorf("GetGrant() = %+v", got)
		}
	})

	tests := []struct {
		name     string
		code     string
		clientID string
		redirect string
		at       time.Time
		wantErr  error
	}{
		{name: "unknown code", code: "nope", clientID: "alpha", redirect: redirect, at: now, wantErr: storage.ErrNotFound},
		{name: "other client", code: "code-1", clientID: "beta", redirect: redirect, at: now, wantErr: storage.ErrNotFound},
		{name: "expired", code: "code-1", clientID: "alpha", redirect: redirect, at: now.Add(10 * time.Minute), wantErr: storage.ErrExpired},
		{name: "redirect mismatch", code: "code-1", clientID: "alpha", redirect: "https://alpha.example.com/other", at: now, wantErr: storage.ErrRedirectMismatch},
		{name: "success", code: "code-1", clientID: "alpha", redirect: redirect, at: now},
	}
	for _, tt := range tests {
		t.Run("consume "+tt.name, func(t *testing.T) {
			store := seed(t)
			got, err := store.ConsumeAuthorizationCode(ctx, tt.code, tt.clientID, tt.redirect, tt.at)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ConsumeAuthorizationCode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
			}
			if got.ID != "g1" || got.Active {
				t.Errorf("ConsumeAuthorizationCode() = %+v", got)
			}
		})
	}

	t.Run("second redemption fails", func(t *testing.T) {
		store := seed(t)
		if _, err := store.ConsumeAuthorizationCode(ctx, "code-1", "alpha", redirect, now); err != nil {
			t.Fatalf("first ConsumeAuthorizationCode() error = %v", err)
		}
		_, err := store.ConsumeAuthorizationCode(ctx, "code-1", "alpha", redirect, now)
		if !errors.Is(err, storage.ErrAlreadyConsumed) {
			t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrAlreadyConsumed", err)
		}
		grant, err := store.GetGrant(ctx, "g1")
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if grant.Active {
			t.Error("grant still active after redemption")
		}
	})

	t.Run("redirect mismatch keeps code usable", func(t *testing.T) {
		store := seed(t)
		if _, err := store.ConsumeAuthorizationCode(ctx, "code-1", "alpha", "https://evil.example.com/", now); !errors.Is(err, storage.ErrRedirectMismatch) {
			t.Fatalf("ConsumeAuthorizationCode() error = %v, want ErrRedirectMismatch", err)
		}
		if _, err := store.ConsumeAuthorizationCode(ctx, "code-1", "alpha", redirect, now); err != nil {
			t.Errorf("ConsumeAuthorizationCode() after mismatch error = %v", err)
		}
	})

	t.Run("concurrent redemption has one winner", func(t *testing.T) {
		store := seed(t)
		const n = 16
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.ConsumeAuthorizationCode(ctx, "code-1", "alpha", redirect, now)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			switch {
			case err == nil:
				winners++
			case !errors.Is(err, storage.ErrAlreadyConsumed):
				t.Errorf("ConsumeAuthorizationCode() unexpected error = %v", err)
			}
		}
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})
}

// RunTokens covers access and refresh token persistence.
func RunTokens(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("access token lifecycle", func(t *testing.T) {
		store := factory(t)
		token := &storage.AccessToken{
			Token:     "at-1",
			Kind:      storage.AccessTokenSingleton,
			GrantID:   "g1",
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
			Active:    true,
		}
		if err := store.SaveAccessToken(ctx, token); err != nil {
			t.Fatalf("SaveAccessToken() error = %v", err)
		}
		if err := store.SaveAccessToken(ctx, token); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("duplicate SaveAccessToken() error = %v, want ErrConflict", err)
		}

		got, err := store.GetAccessToken(ctx, "at-1")
		if err != nil {
			t.Fatalf("GetAccessToken() error = %v", err)
		}
		if got.Kind != storage.AccessTokenSingleton || got.GrantID != "g1" || !got.Active {
			t.Errorf("GetAccessToken() = %+v", got)
		}
		if !got.ExpiresAt.Equal(token.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, token.ExpiresAt)
		}

		if err := store.DeactivateAccessToken(ctx, "at-1", now); err != nil {
			t.Fatalf("DeactivateAccessToken() error = %v", err)
		}
		if err := store.DeactivateAccessToken(ctx, "at-1", now); !errors.Is(err, storage.ErrAlreadyConsumed) {
			t.Errorf("second DeactivateAccessToken() error = %v, want ErrAlreadyConsumed", err)
		}
		got, _ = store.GetAccessToken(ctx, "at-1")
		if got.Active {
			t.Error("access token still active")
		}
		if _, err := store.GetAccessToken(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetAccessToken(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("refreshable access token", func(t *testing.T) {
		store := factory(t)
		rt := &storage.RefreshToken{Token: "rt-1", GrantID: "g1", CreatedAt: now, ExpiresAt: now.Add(30 * 24 * time.Hour), Active: true}
		if err := store.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		at := &storage.AccessToken{
			Token:        "at-2",
			Kind:         storage.AccessTokenRefreshable,
			RefreshToken: "rt-1",
			CreatedAt:    now,
			ExpiresAt:    now.Add(10 * time.Minute),
			Active:       true,
		}
		if err := store.SaveAccessToken(ctx, at); err != nil {
			t.Fatalf("SaveAccessToken() error = %v", err)
		}
		got, err := store.GetAccessToken(ctx, "at-2")
		if err != nil {
			t.Fatalf("GetAccessToken() error = %v", err)
		}
		if got.Kind != storage.AccessTokenRefreshable || got.RefreshToken != "rt-1" || got.GrantID != "" {
			t.Errorf("GetAccessToken() = %+v", got)
		}

		gotRT, err := store.GetRefreshToken(ctx, "rt-1")
		if err != nil {
			t.Fatalf("GetRefreshToken() error = %v", err)
		}
		if gotRT.GrantID != "g1" || !gotRT.Active {
			t.Errorf("GetRefreshToken() = %+v", gotRT)
		}
	})

	t.Run("one refresh token per grant", func(t *testing.T) {
		store := factory(t)
		first := &storage.RefreshToken{Token: "rt-1", GrantID: "g1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true}
		second := &storage.RefreshToken{Token: "rt-2", GrantID: "g1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true}
		if err := store.SaveRefreshToken(ctx, first); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		if err := store.SaveRefreshToken(ctx, second); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("SaveRefreshToken() error = %v, want ErrConflict", err)
		}
	})

	t.Run("refresh token deactivation", func(t *testing.T) {
		store := factory(t)
		rt := &storage.RefreshToken{Token: "rt-1", GrantID: "g1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true}
		if err := store.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		if err := store.DeactivateRefreshToken(ctx, "rt-1", now); err != nil {
			t.Fatalf("DeactivateRefreshToken() error = %v", err)
		}
		if err := store.DeactivateRefreshToken(ctx, "rt-1", now); !errors.Is(err, storage.ErrAlreadyConsumed) {
			t.Errorf("second DeactivateRefreshToken() error = %v, want ErrAlreadyConsumed", err)
		}
		if err := store.DeactivateRefreshToken(ctx, "missing", now); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("DeactivateRefreshToken(missing) error = %v, want ErrNotFound", err)
		}
	})
}

// RunUsers covers users and API keys.
func RunUsers(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("get or create is idempotent", func(t *testing.T) {
		store := factory(t)
		first, err := store.GetOrCreateUser(ctx, "alice", "sub-1")
		if err != nil {
			t.Fatalf("GetOrCreateUser() error = %v", err)
		}
		second, err := store.GetOrCreateUser(ctx, "alice", "sub-2")
		if err != nil {
			t.Fatalf("GetOrCreateUser() error = %v", err)
		}
		if first.Subject != "sub-1" || second.Subject != "sub-1" {
			t.Errorf("subjects = %q, %q, want sub-1", first.Subject, second.Subject)
		}
		got, err := store.GetUser(ctx, "alice")
		if err != nil || got.Subject != "sub-1" {
			t.Errorf("GetUser() = %+v, %v", got, err)
		}
		if _, err := store.GetUser(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetUser(bob) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("api keys", func(t *testing.T) {
		store := factory(t)
		if _, err := store.GetOrCreateUser(ctx, "alice", "sub-1"); err != nil {
			t.Fatalf("GetOrCreateUser() error = %v", err)
		}
		key := &storage.APIKey{Digest: "digest-1", UserName: "alice", Active: true, CreatedAt: now}
		if err := store.SaveAPIKey(ctx, key); err != nil {
			t.Fatalf("SaveAPIKey() error = %v", err)
		}
		if err := store.SaveAPIKey(ctx, &storage.APIKey{Digest: "digest-2", UserName: "nobody", Active: true, CreatedAt: now}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("SaveAPIKey(unknown user) error = %v, want ErrNotFound", err)
		}
		inactive := &storage.APIKey{Digest: "digest-3", UserName: "alice", Active: false, CreatedAt: now}
		if err := store.SaveAPIKey(ctx, inactive); err != nil {
			t.Fatalf("SaveAPIKey() error = %v", err)
		}

		for i := 1; i <= 2; i++ {
			got, err := store.UseAPIKey(ctx, "digest-1", now.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Fatalf("UseAPIKey() error = %v", err)
			}
			if got.UserName != "alice" || got.UsageCount != int64(i) {
				t.Errorf("UseAPIKey() = %+v, want usage %d", got, i)
			}
			if !got.LastUsed.Equal(now.Add(time.Duration(i) * time.Second)) {
				t.Errorf("LastUsed = %v", got.LastUsed)
			}
		}

		if _, err := store.UseAPIKey(ctx, "digest-3", now); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("UseAPIKey(inactive) error = %v, want ErrNotFound", err)
		}
		if _, err := store.UseAPIKey(ctx, "unknown", now); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("UseAPIKey(unknown) error = %v, want ErrNotFound", err)
		}
	})
}
