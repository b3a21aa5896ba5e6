package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a provider failure for retry and fallback decisions.
type ErrorKind string

const (
	// KindTransient covers 5xx responses, timeouts, rate limits, and empty
	// responses. Retried inside the adapter, then walked down the router's
	// fallback chain.
	KindTransient ErrorKind = "transient"

	// KindBadRequest covers 4xx client errors. Never retried, never
	// failed over.
	KindBadRequest ErrorKind = "bad_request"

	// KindAuth covers 401/403. Never retried; logged as misconfiguration.
	KindAuth ErrorKind = "auth"
)

// Error is a structured provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient builds a transient provider error.
func Transient(provider, model, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Model: model, Message: message, Cause: cause}
}

// BadRequest builds a non-retryable client error.
func BadRequest(provider, model, message string, cause error) *Error {
	return &Error{Kind: KindBadRequest, Provider: provider, Model: model, Message: message, Cause: cause}
}

// AuthError builds an authentication/authorization error.
func AuthError(provider, model, message string, cause error) *Error {
	return &Error{Kind: KindAuth, Provider: provider, Model: model, Message: message, Cause: cause}
}

// FromStatus classifies an HTTP status into a provider error.
func FromStatus(provider, model string, status int, cause error) *Error {
	err := &Error{Provider: provider, Model: model, Status: status, Cause: cause}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err.Kind = KindAuth
	case status == http.StatusTooManyRequests || status >= 500:
		err.Kind = KindTransient
	case status >= 400:
		err.Kind = KindBadRequest
	default:
		err.Kind = KindTransient
	}
	return err
}

// IsTransient reports whether the error is retryable/fallback-eligible.
// Unclassified errors are treated as transient so network-level failures
// still walk the fallback chain.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return classifyMessage(err) == KindTransient
}

// IsBadRequest reports whether the error must not be retried or failed over.
func IsBadRequest(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindBadRequest
	}
	return classifyMessage(err) == KindBadRequest
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindAuth
	}
	return classifyMessage(err) == KindAuth
}

// classifyMessage falls back to message-pattern classification for errors
// raised by vendor SDKs without structured status access.
func classifyMessage(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission denied"):
		return KindAuth
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "server error"):
		return KindTransient
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "maximum context"):
		return KindBadRequest
	default:
		return KindTransient
	}
}
