package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()
	if id1 == id2 {
		t.Error("Expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("GenerateRequestID() = %q is not a UUID: %v", id1, err)
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated ID %q does not pass validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want req-123", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerFromContext(WithRequestID(context.Background(), "req-abc"), base).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-abc") {
		t.Errorf("log output missing request id: %s", buf.String())
	}

	if LoggerFromContext(context.Background(), nil) == nil {
		t.Error("LoggerFromContext() returned nil")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		existingHeader string
		expectNew      bool
	}{
		{name: "generates new ID when not present", expectNew: true},
		{name: "preserves valid upstream ID", existingHeader: "upstream-request-id-xyz"},
		{name: "rejects ID with spaces", existingHeader: "id with spaces", expectNew: true},
		{name: "rejects excessively long ID", existingHeader: strings.Repeat("a", 129), expectNew: true},
		{name: "rejects ID with markup", existingHeader: "<script>alert(1)</script>", expectNew: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.existingHeader != "" {
				req.Header.Set(RequestIDHeader, tt.existingHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Header().Get(RequestIDHeader) != captured {
				t.Errorf("response header %q != context ID %q", rec.Header().Get(RequestIDHeader), captured)
			}
			if tt.expectNew {
				if captured == tt.existingHeader {
					t.Error("Expected new request ID to be generated")
				}
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("generated ID %q is not a UUID", captured)
				}
			} else if captured != tt.existingHeader {
				t.Errorf("captured = %q, want %q", captured, tt.existingHeader)
			}
		})
	}
}
