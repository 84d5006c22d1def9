package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/ptero-auth/storage"
	"github.com/giantswarm/ptero-auth/storage/memory"
)

func newTestIssuer(t *testing.T) (*TokenIssuer, *GrantLedger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewTokenIssuer(store, store, 10*time.Minute, 24*time.Hour, nil), NewGrantLedger(store, 10*time.Minute, nil), store
}

func TestTokenIssuer_Kinds(t *testing.T) {
	issuer, ledger, _ := newTestIssuer(t)
	ctx := context.Background()
	now := time.Now()

	grant := ledger.NewGrant(storage.GrantKindImplicit, "spa", "alice", []string{"bar"}, now)
	if err := ledger.Record(ctx, grant); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	single, err := issuer.IssueAccessToken(ctx, grant, now)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if single.Kind != storage.AccessTokenSingleton || single.GrantID != grant.ID || single.RefreshToken != "" {
		t.Errorf("IssueAccessToken() = %+v, want singleton bound to the grant", single)
	}
	if !single.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %s, want now + 10m", single.ExpiresAt)
	}

	refresh, access, err := issuer.IssueRefreshToken(ctx, grant, now)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	if access.Kind != storage.AccessTokenRefreshable || access.RefreshToken != refresh.Token || access.GrantID != "" {
		t.Errorf("access = %+v, want refreshable bound to the refresh token", access)
	}
	if !refresh.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("refresh ExpiresAt = %s, want now + 24h", refresh.ExpiresAt)
	}

	info, err := issuer.Validate(ctx, access.Token, now)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info.ClientID != "spa" || info.UserName != "alice" {
		t.Errorf("Validate() = %+v, want grant data through the refresh token", info)
	}
}

func TestTokenIssuer_Refresh(t *testing.T) {
	issuer, ledger, store := newTestIssuer(t)
	ctx := context.Background()
	now := time.Now()

	grant := ledger.NewGrant(storage.GrantKindAuthorizationCode, "c1", "alice", []string{"bar"}, now)
	grant.Code = "code"
	if err := ledger.Record(ctx, grant); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	refresh, _, err := issuer.IssueRefreshToken(ctx, grant, now)
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	access, got, err := issuer.Refresh(ctx, refresh.Token, "c1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.ID != grant.ID || access.RefreshToken != refresh.Token {
		t.Errorf("Refresh() bound to grant %s / refresh %s", got.ID, access.RefreshToken)
	}

	tests := []struct {
		name     string
		token    string
		clientID string
		at       time.Time
		wantErr  error
	}{
		{name: "empty", token: "", clientID: "c1", at: now, wantErr: ErrInvalidRequest},
		{name: "unknown", token: "nope", clientID: "c1", at: now, wantErr: ErrRefreshTokenInvalid},
		{name: "other client", token: refresh.Token, clientID: "c2", at: now, wantErr: ErrRefreshTokenInvalid},
		{name: "at expiry", token: refresh.Token, clientID: "c1", at: refresh.ExpiresAt, wantErr: ErrRefreshTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := issuer.Refresh(ctx, tt.token, tt.clientID, tt.at); !errors.Is(err, tt.wantErr) {
				t.Errorf("Refresh() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("deactivated", func(t *testing.T) {
		if err := store.DeactivateRefreshToken(ctx, refresh.Token, now); err != nil {
			t.Fatalf("DeactivateRefreshToken() error = %v", err)
		}
		if _, _, err := issuer.Refresh(ctx, refresh.Token, "c1", now); !errors.Is(err, ErrRefreshTokenInvalid) {
			t.Errorf("Refresh() error = %v, want ErrRefreshTokenInvalid", err)
		}
	})
}

func TestGrantLedger_Redeem(t *testing.T) {
	_, ledger, _ := newTestIssuer(t)
	ctx := context.Background()
	now := time.Now()
	redirect := "https://app.example.com/cb"

	grant, err := ledger.IssueAuthorizationCode(ctx, "c1", "alice", []string{"bar", "baz"}, redirect, now)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	if !grant.Active || grant.Code == "" || !grant.ExpiresAt.Equal(now.Add(10*time.Minute)) {
		t.Errorf("IssueAuthorizationCode() = %+v, want active code expiring in 10m", grant)
	}

	if _, err := ledger.Redeem(ctx, grant.Code, "c1", redirect+"x", now); !errors.Is(err, ErrRedirectURIMismatch) {
		t.Errorf("Redeem(mismatch) error = %v, want ErrRedirectURIMismatch", err)
	}

	redeemed, err := ledger.Redeem(ctx, grant.Code, "c1", redirect, now)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if redeemed.UserName != "alice" || len(redeemed.Scopes) != 2 {
		t.Errorf("Redeem() = %+v, want alice with the bound scopes", redeemed)
	}

	_, err = ledger.Redeem(ctx, grant.Code, "c1", redirect, now)
	if !errors.Is(err, ErrGrantNotFoundOrConsumed) || !errors.Is(err, storage.ErrAlreadyConsumed) {
		t.Errorf("second Redeem() error = %v, want ErrGrantNotFoundOrConsumed wrapping ErrAlreadyConsumed", err)
	}

	stored, err := ledger.Get(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Active {
		t.Error("redeemed grant still active")
	}
}
