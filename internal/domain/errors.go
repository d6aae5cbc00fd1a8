package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures into the gateway's shared taxonomy.
// Adapters map raw backend errors into these kinds so the fallback executor
// and circuit breaker can reason generically.
type ErrorKind string

const (
	ErrAuthentication        ErrorKind = "authentication"
	ErrRateLimit             ErrorKind = "rate_limit"
	ErrValidation            ErrorKind = "validation"
	ErrQuotaExceeded         ErrorKind = "quota_exceeded"
	ErrNetwork               ErrorKind = "network"
	ErrProviderUnavailable   ErrorKind = "provider_unavailable"
	ErrProviderConfiguration ErrorKind = "provider_configuration"
)

// ErrNoProviders indicates the routing candidate set was empty.
var ErrNoProviders = errors.New("no providers available")

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Cause    error
}

// NewProviderError creates a classified provider error.
func NewProviderError(kind ErrorKind, provider, message string, cause error) *ProviderError {
	return &ProviderError{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Cause:    cause,
	}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether trying another provider could help.
// Malformed requests and bad credentials fail the same way everywhere.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimit, ErrNetwork, ErrProviderUnavailable:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether an error should trigger the next fallback
// candidate. Unclassified errors are treated as transient so a flaky
// backend that fails to classify does not abort the whole chain.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// ClassifyErrorKind extracts the taxonomy kind from an error chain.
// Unclassified errors report as network failures.
func ClassifyErrorKind(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrNetwork
}

// AttemptError records one failed fallback attempt.
type AttemptError struct {
	Provider string
	Err      error
}

// FallbackExhaustedError aggregates every failed attempt of one request,
// so callers can distinguish "all providers down" from "none configured".
type FallbackExhaustedError struct {
	Attempts []AttemptError
}

// Error implements the error interface.
func (e *FallbackExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d providers failed", len(e.Attempts))
	for i, attempt := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", attempt.Provider, attempt.Err)
	}
	return b.String()
}

// Providers lists every provider that was attempted, in order.
func (e *FallbackExhaustedError) Providers() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		names = append(names, attempt.Provider)
	}
	return names
}
