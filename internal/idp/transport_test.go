package idp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mockRoundTripper is a test helper that returns a fixed response or error.
type mockRoundTripper struct {
	resp *http.Response
	err  error
}

func (m *mockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.resp, m.err
}

func newRecordedTransport(base http.RoundTripper, logs *bytes.Buffer) (*tracingTransport, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tt := newTracingTransport(base, logger)
	tt.tracer = tp.Tracer("test")
	return tt, rec
}

func TestTracingTransport_Success(t *testing.T) {
	body := `{"access_token":"abc"}`
	mock := &mockRoundTripper{
		resp: &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		},
	}
	var logs bytes.Buffer
	tt, rec := newRecordedTransport(mock, &logs)

	req, _ := http.NewRequestWithContext(context.Background(), "POST", "https://idp.example.com/realms/r/protocol/openid-connect/token", nil)
	resp, err := tt.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Response body should still be readable
	respBody, _ := io.ReadAll(resp.Body)
	if string(respBody) != body {
		t.Errorf("response body = %q, want %q", string(respBody), body)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "idp POST /realms/r/protocol/openid-connect/token" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful call should not mark the span as failed")
	}
	if !strings.Contains(logs.String(), "status=200") {
		t.Errorf("log = %q, want status=200", logs.String())
	}
}

func TestTracingTransport_ErrorStatus(t *testing.T) {
	mock := &mockRoundTripper{
		resp: &http.Response{
			StatusCode: 400,
			Status:     "400 Bad Request",
			Body:       io.NopCloser(strings.NewReader(`{"error":"invalid_grant"}`)),
		},
	}
	var logs bytes.Buffer
	tt, rec := newRecordedTransport(mock, &logs)

	req, _ := http.NewRequest("POST", "https://idp.example.com/token", nil)
	if _, err := tt.RoundTrip(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("status code = %v, want Error", got)
	}
}

func TestTracingTransport_TransportError(t *testing.T) {
	mock := &mockRoundTripper{err: errors.New("connection refused")}
	var logs bytes.Buffer
	tt, rec := newRecordedTransport(mock, &logs)

	req, _ := http.NewRequest("POST", "https://idp.example.com/token", nil)
	_, err := tt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Errorf("span not recorded as failed")
	}
	if !strings.Contains(logs.String(), "connection refused") {
		t.Errorf("log = %q, want the transport error", logs.String())
	}
}

func TestNewTracingTransport_NilBase(t *testing.T) {
	tt := newTracingTransport(nil, nil)
	if tt.base != http.DefaultTransport {
		t.Error("expected DefaultTransport when base is nil")
	}
}
