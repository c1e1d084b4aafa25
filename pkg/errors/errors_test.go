package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"gateway error", New(KindBackendTransient, "boom"), KindBackendTransient},
		{"wrapped gateway error", fmt.Errorf("outer: %w", New(KindClientFault, "bad")), KindClientFault},
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline exceeded", context.DeadlineExceeded, KindUpstreamTimeout},
		{"plain error", fmt.Errorf("mystery"), KindTransformFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(KindClientFault, "x"), http.StatusBadRequest},
		{New(KindCapacityExhausted, "x"), http.StatusServiceUnavailable},
		{New(KindNoBackendAvailable, "x"), http.StatusServiceUnavailable},
		{New(KindUpstreamTimeout, "x"), http.StatusGatewayTimeout},
		{New(KindBackendTransient, "x"), http.StatusBadGateway},
		{New(KindBackendPermanent, "x"), http.StatusBadGateway},
		{New(KindTransformFault, "x"), http.StatusInternalServerError},
		{&GatewayError{Kind: KindBackendPermanent, Message: "auth", Status: http.StatusUnauthorized}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWireType(t *testing.T) {
	if got := WireType(New(KindClientFault, "x")); got != "invalid_request_error" {
		t.Errorf("WireType = %q", got)
	}
	if got := WireType(New(KindNoBackendAvailable, "x")); got != "overloaded_error" {
		t.Errorf("WireType = %q", got)
	}
	if got := WireType(New(KindUpstreamTimeout, "x")); got != "timeout_error" {
		t.Errorf("WireType = %q", got)
	}
}

func TestClassificationHelpers(t *testing.T) {
	if !IsRetryable(New(KindBackendTransient, "x")) {
		t.Error("transient should be retryable")
	}
	if IsRetryable(New(KindBackendPermanent, "x")) {
		t.Error("permanent should not be retryable")
	}
	if !IsBackendFailure(New(KindUpstreamTimeout, "x")) {
		t.Error("timeout should count against the backend")
	}
	if IsBackendFailure(New(KindClientFault, "x")) {
		t.Error("client fault should not count against the backend")
	}
	if !IsCanceled(Wrap(KindCanceled, "gone", context.Canceled)) {
		t.Error("expected canceled")
	}
}

func TestErrorString(t *testing.T) {
	e := Wrap(KindBackendTransient, "upstream read", fmt.Errorf("connection reset"))
	got := e.Error()
	want := "[BACKEND_TRANSIENT] upstream read: connection reset"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
