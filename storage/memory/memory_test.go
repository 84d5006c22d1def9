package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/internal/testutil"
	"github.com/giantswarm/ptero-auth/storage"
	"github.com/giantswarm/ptero-auth/storage/storagetest"
)

func TestStore_Suite(t *testing.T) {
	storagetest.Run(t, func(testing.TB) storage.Store {
		return New()
	})
}

func TestStore_CreateClient_Validation(t *testing.T) {
	store := New()
	ctx := context.Background()

	tests := []struct {
		name   string
		client *storage.Client
	}{
		{name: "nil client", client: nil},
		{name: "empty id", client: testutil.NewConfidentialClient("")},
		{name: "missing confidential payload", client: &storage.Client{Kind: storage.ClientKindConfidential, ClientID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.CreateClient(ctx, tt.client); err == nil {
				t.Error("CreateClient() should return error")
			}
		})
	}
}

func TestStore_SaveGrant_RequiresCode(t *testing.T) {
	store := New()
	grant := &storage.Grant{ID: "g1", Kind: storage.GrantKindAuthorizationCode, ClientID: "alpha"}
	if err := store.SaveGrant(context.Background(), grant); err == nil {
		t.Error("SaveGrant() without code should return error")
	}
}

func TestStore_SaveGrant_CopiesInput(t *testing.T) {
	store := New()
	ctx := context.Background()
	grant := testutil.NewAuthorizationCodeGrant("g1", "code", "alpha", "alice", "https://a/", time.Now().Add(time.Minute), "read")
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	grant.Scopes[0] = "admin"
	grant.Active = false

	got, err := store.GetGrant(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if got.Scopes[0] != "read" || !got.Active {
		t.Errorf("stored grant was mutated through caller pointer: %+v", got)
	}
}

func TestStore_SetLogger(t *testing.T) {
	store := New()
	var buf strings.Builder
	store.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	store.SetLogger(nil) // ignored

	ctx := context.Background()
	now := time.Now()
	grant := testutil.NewAuthorizationCodeGrant("g1", "abcdefghijklmnop", "alpha", "alice", "https://a/", now.Add(time.Minute))
	if err := store.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "abcdefghijklmnop", "alpha", "https://a/", now); err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "code_prefix=abcdefgh") {
		t.Errorf("log output missing truncated code: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Error("log output contains full authorization code")
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store := New()
	ctx := context.Background()
	if err := store.CreateClient(ctx, testutil.NewConfidentialClient("alpha")); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	store.SetInstrumentation(inst)

	if got := store.clientsCountAtomic.Load(); got != 1 {
		t.Errorf("clients count = %d, want 1", got)
	}

	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetClient() error = %v, want ErrNotFound", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "storage_operation") {
		t.Errorf("metrics output missing storage operations:\n%s", body)
	}
	if !strings.Contains(string(body), "storage_clients_count") {
		t.Errorf("metrics output missing storage client gauge:\n%s", body)
	}
}
