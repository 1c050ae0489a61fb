package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// KindRateLimited means the provider throttled the request.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable covers connectivity failures, timeouts and 5xx responses.
	KindUnavailable ErrorKind = "service_unavailable"
	// KindInvalidInput means the request itself was malformed.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindContentRejected means the provider refused the content (safety filters).
	KindContentRejected ErrorKind = "content_rejected"
	// KindAuth means the credentials were missing or refused.
	KindAuth ErrorKind = "auth"
	// KindQuota means a hard quota (e.g. tokens per day) was exhausted.
	KindQuota ErrorKind = "quota"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrRateLimited     = &ProviderError{Kind: KindRateLimited}
	ErrUnavailable     = &ProviderError{Kind: KindUnavailable}
	ErrInvalidInput    = &ProviderError{Kind: KindInvalidInput}
	ErrContentRejected = &ProviderError{Kind: KindContentRejected}
	ErrAuth            = &ProviderError{Kind: KindAuth}
	ErrQuota           = &ProviderError{Kind: KindQuota}
)

// ProviderError is returned by providers for failures of the remote service.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	// RetryAfter is the server-suggested wait, zero if none was given.
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, "provider="+e.Provider)
	}
	parts = append(parts, "kind="+string(e.Kind))
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, "cause="+e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Is matches any ProviderError of the same kind.
func (e *ProviderError) Is(target error) bool {
	if pe, ok := target.(*ProviderError); ok {
		return e.Kind == pe.Kind
	}
	return false
}

// Transient reports whether retrying the same request may succeed.
func (e *ProviderError) Transient() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

// RetryDelay returns the server-suggested wait before the next attempt.
func (e *ProviderError) RetryDelay() time.Duration { return e.RetryAfter }

// NewStatusError classifies an HTTP error response. body is the raw response
// body and header may be nil.
func NewStatusError(provider string, status int, body []byte, header http.Header) *ProviderError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	pe := &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    fmt.Sprintf("API error %d: %s", status, msg),
	}
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests:
		// Daily token limits won't reset with retries.
		if strings.Contains(lower, "tokens per day") || strings.Contains(msg, "TPD") || strings.Contains(lower, "insufficient_quota") {
			pe.Kind = KindQuota
		} else {
			pe.Kind = KindRateLimited
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = KindAuth
	case status >= 500 || status == http.StatusRequestTimeout:
		pe.Kind = KindUnavailable
	case strings.Contains(lower, "content_filter") || strings.Contains(lower, "content_policy") || strings.Contains(lower, "safety"):
		pe.Kind = KindContentRejected
	default:
		pe.Kind = KindInvalidInput
	}
	if header != nil {
		if ra := header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return pe
}

// NewTransportError wraps a failure to reach the provider at all.
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{Kind: KindUnavailable, Provider: provider, Message: "request failed", Cause: err}
}

// IsTransient reports whether err is worth retrying. Caller cancellation is
// never transient; an expired per-attempt deadline is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a ProviderError.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
