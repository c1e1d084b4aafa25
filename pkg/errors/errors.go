package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error. The orchestrator is the only place that
// turns a Kind into an HTTP status, a retry decision, or a breaker update.
type Kind string

const (
	// KindClientFault: invariant violation in the inbound request. 4xx,
	// never retried, never counted against a backend.
	KindClientFault Kind = "CLIENT_FAULT"

	// KindTransformFault: codec-internal bug. 500, not a backend failure.
	KindTransformFault Kind = "TRANSFORM_FAULT"

	// KindBackendTransient: connection reset, DNS, TLS, 5xx, 408, read
	// timeout, malformed upstream stream. Backend failure, eligible for
	// cross-pipeline retry on non-streaming requests.
	KindBackendTransient Kind = "BACKEND_TRANSIENT"

	// KindBackendPermanent: auth failure, schema rejection, unmapped 4xx.
	// Backend failure, not retried on the same pipeline within a request.
	KindBackendPermanent Kind = "BACKEND_PERMANENT"

	// KindCapacityExhausted: max_concurrent reached on a pipeline.
	KindCapacityExhausted Kind = "CAPACITY_EXHAUSTED"

	// KindNoBackendAvailable: no candidate yielded a lease.
	KindNoBackendAvailable Kind = "NO_BACKEND_AVAILABLE"

	// KindUpstreamTimeout: the per-backend deadline elapsed.
	KindUpstreamTimeout Kind = "UPSTREAM_TIMEOUT"

	// KindCanceled: the caller disconnected. Silent; releases resources.
	KindCanceled Kind = "CANCELED"
)

// GatewayError is the typed error value that flows up through the transform
// chain. Stages wrap causes; nothing in the pipeline throws-and-catches.
type GatewayError struct {
	Kind    Kind
	Message string
	Err     error

	// Status optionally overrides the Kind's default HTTP mapping
	// (e.g. 401/403 for upstream credential rejections).
	Status int
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a GatewayError without a cause.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf creates a GatewayError with a formatted message.
func Newf(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a GatewayError wrapping a cause.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from any error. Context cancellation maps to
// KindCanceled; anything else unclassified is a pipeline bug, so it maps to
// KindTransformFault.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindTransformFault
}

// IsBackendFailure reports whether the error counts against the backend's
// breaker and health stats.
func IsBackendFailure(err error) bool {
	switch KindOf(err) {
	case KindBackendTransient, KindBackendPermanent, KindUpstreamTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether a non-streaming request may be re-balanced to
// another pipeline after this error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindBackendTransient
}

// IsCanceled reports whether the error stems from caller disconnect.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// HTTPStatus maps an error Kind to the caller-facing status code. An
// explicit per-error status override wins.
func HTTPStatus(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Status != 0 {
		return ge.Status
	}
	switch KindOf(err) {
	case KindClientFault:
		return http.StatusBadRequest
	case KindCapacityExhausted, KindNoBackendAvailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindBackendTransient, KindBackendPermanent:
		return http.StatusBadGateway
	case KindCanceled:
		return 499 // client closed request; never actually written
	default:
		return http.StatusInternalServerError
	}
}

// WireType maps an error Kind to the `error.type` field of the canonical
// error body.
func WireType(err error) string {
	switch KindOf(err) {
	case KindClientFault:
		return "invalid_request_error"
	case KindCapacityExhausted, KindNoBackendAvailable:
		return "overloaded_error"
	case KindUpstreamTimeout:
		return "timeout_error"
	case KindBackendTransient, KindBackendPermanent:
		return "api_error"
	default:
		return "internal_error"
	}
}
