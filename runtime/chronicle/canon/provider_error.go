package canon

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ProviderErrorKind classifies a provider failure into one of a small set of
// categories that drive retry and fallback decisions.
type ProviderErrorKind string

const (
	ProviderErrorAuth           ProviderErrorKind = "auth"
	ProviderErrorInvalidRequest ProviderErrorKind = "invalid_request"
	ProviderErrorRateLimited    ProviderErrorKind = "rate_limited"
	ProviderErrorUnavailable    ProviderErrorKind = "unavailable"
	ProviderErrorUnknown        ProviderErrorKind = "unknown"

	// ProviderErrorToolCallParse marks a response whose tool-call arguments
	// failed to decode as JSON — a known transient failure mode on some
	// OpenAI-compatible gateways (e.g. Groq) that is worth one free retry
	// before it counts against the attempt's max_tries.
	ProviderErrorToolCallParse ProviderErrorKind = "tool_call_parse"
)

// ProviderError describes a failure returned by an upstream provider codec.
// It crosses the codec/retry/dispatcher boundary so the retry state machine
// can classify the attempt without depending on any provider SDK type.
type ProviderError struct {
	Provider   string
	Operation  string
	HTTPStatus int
	Kind       ProviderErrorKind
	Code       string
	Message    string
	RequestID  string
	Retryable  bool
	RetryAfter int // seconds, set when Kind == ProviderErrorRateLimited
	Cause      error
}

// NewProviderError constructs a ProviderError. Provider and Kind are required.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("canon: provider is required")
	}
	if kind == "" {
		panic("canon: provider error kind is required")
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: httpStatus,
		Kind:       kind,
		Code:       code,
		Message:    message,
		RequestID:  requestID,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf("%d ", e.HTTPStatus)
	}
	code := ""
	if e.Code != "" {
		code = e.Code + ": "
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.Provider, e.Kind, status, op, code+msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ParseRetryAfterSeconds parses a Retry-After header value into whole
// seconds, per RFC 7231: either a delay-seconds integer or an HTTP-date.
// Returns 0 when header is empty or unparseable, so callers fall back to
// the policy's own backoff.
func ParseRetryAfterSeconds(header string) int {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return seconds
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return int(d.Round(time.Second) / time.Second)
		}
	}
	return 0
}
