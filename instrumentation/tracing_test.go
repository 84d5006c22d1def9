package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestRecordError(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "test-span")
	RecordError(span, errors.New("claim lookup failed"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want %v", spans[0].Status().Code, codes.Error)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected an exception event")
	}
}

func TestNilSafeHelpers(t *testing.T) {
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "client", "user", "openid")
}

func TestAddOAuthFlowAttributes(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "test-span")
	AddOAuthFlowAttributes(span, "client-1", "", "bar openid")
	SetSpanSuccess(span)
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if got := attrs[AttrClientID].AsString(); got != "client-1" {
		t.Errorf("%s = %q, want %q", AttrClientID, got, "client-1")
	}
	if got := attrs[AttrScope].AsString(); got != "bar openid" {
		t.Errorf("%s = %q, want %q", AttrScope, got, "bar openid")
	}
	if _, ok := attrs[AttrUserName]; ok {
		t.Errorf("empty user name must not be recorded")
	}
	if recorder.Ended()[0].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", recorder.Ended()[0].Status().Code)
	}
}

func TestAddStorageAndProviderAttributes(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "test-span")
	AddStorageAttributes(span, "consume_authorization_code", "sqlite")
	AddProviderAttributes(span, "static", "get_claims")
	AddHTTPAttributes(span, "POST", "tokens", 200)
	AddSecurityAttributes(span, "")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	want := map[string]string{
		AttrStorageOperation:  "consume_authorization_code",
		AttrStorageType:       "sqlite",
		AttrProviderName:      "static",
		AttrProviderOperation: "get_claims",
		AttrHTTPMethod:        "POST",
	}
	for k, v := range want {
		if got := attrs[k].AsString(); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := attrs[AttrHTTPStatusCode].AsInt64(); got != 200 {
		t.Errorf("%s = %d, want 200", AttrHTTPStatusCode, got)
	}
	if _, ok := attrs[AttrClientIP]; ok {
		t.Error("empty client IP must not be recorded")
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	for _, want := range []bool{true, false} {
		inst, err := New(Config{LogClientIPs: want})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := inst.ShouldLogClientIPs(); got != want {
			t.Errorf("ShouldLogClientIPs() = %v, want %v", got, want)
		}
	}
}
