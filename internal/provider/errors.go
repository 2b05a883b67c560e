package provider

import "fmt"

// LLMError is the shared taxonomy every provider translates its native
// SDK errors into, so hooks and orchestrators can implement retry or
// fallback policy without knowing which SDK raised the original error.
// The core never catches these itself -- it only defines and surfaces
// the taxonomy, per SPEC_FULL.md §7.
type LLMError struct {
	Kind       LLMErrorKind
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter int // seconds; only meaningful for RateLimitError
	Message    string
	Cause      error
}

// LLMErrorKind enumerates the taxonomy members.
type LLMErrorKind string

const (
	KindRateLimit          LLMErrorKind = "rate_limit"
	KindAuthentication     LLMErrorKind = "authentication"
	KindContextLength      LLMErrorKind = "context_length"
	KindContentFilter      LLMErrorKind = "content_filter"
	KindInvalidRequest     LLMErrorKind = "invalid_request"
	KindProviderUnavailable LLMErrorKind = "provider_unavailable"
	KindTimeout            LLMErrorKind = "timeout"
)

// defaultRetryable mirrors SPEC_FULL.md §7: rate limit, provider
// unavailable, and timeout default to retryable; everything else
// defaults to not retryable.
func defaultRetryable(kind LLMErrorKind) bool {
	switch kind {
	case KindRateLimit, KindProviderUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// NewLLMError builds an LLMError with the kind's default retryable
// flag, which the caller may override via WithRetryable.
func NewLLMError(kind LLMErrorKind, provider string, statusCode int, message string, cause error) *LLMError {
	return &LLMError{
		Kind:       kind,
		Provider:   provider,
		StatusCode: statusCode,
		Retryable:  defaultRetryable(kind),
		Message:    message,
		Cause:      cause,
	}
}

// WithRetryAfter sets the retry-after hint, typically only populated
// for RateLimitError.
func (e *LLMError) WithRetryAfter(seconds int) *LLMError {
	e.RetryAfter = seconds
	return e
}

// WithRetryable overrides the kind's default retryable flag, for
// providers whose SDK is more specific than the taxonomy's default
// (e.g. a 503 that explicitly says "do not retry").
func (e *LLMError) WithRetryable(retryable bool) *LLMError {
	e.Retryable = retryable
	return e
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s, status=%d, retryable=%v): %s: %v", e.Kind, e.Provider, e.StatusCode, e.Retryable, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s, status=%d, retryable=%v): %s", e.Kind, e.Provider, e.StatusCode, e.Retryable, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// RateLimitError, AuthenticationError, ContextLengthError,
// ContentFilterError, InvalidRequestError, ProviderUnavailableError,
// LLMTimeoutError are named constructors for each taxonomy member,
// matching the names SPEC_FULL.md/spec.md use.

func RateLimitError(provider string, statusCode, retryAfterSeconds int, message string, cause error) *LLMError {
	return NewLLMError(KindRateLimit, provider, statusCode, message, cause).WithRetryAfter(retryAfterSeconds)
}

func AuthenticationError(provider string, statusCode int, message string, cause error) *LLMError {
	return NewLLMError(KindAuthentication, provider, statusCode, message, cause)
}

func ContextLengthError(provider string, statusCode int, message string, cause error) *LLMError {
	return NewLLMError(KindContextLength, provider, statusCode, message, cause)
}

func ContentFilterError(provider string, statusCode int, message string, cause error) *LLMError {
	return NewLLMError(KindContentFilter, provider, statusCode, message, cause)
}

func InvalidRequestError(provider string, statusCode int, message string, cause error) *LLMError {
	return NewLLMError(KindInvalidRequest, provider, statusCode, message, cause)
}

func ProviderUnavailableError(provider string, statusCode int, message string, cause error) *LLMError {
	return NewLLMError(KindProviderUnavailable, provider, statusCode, message, cause)
}

func LLMTimeoutError(provider string, message string, cause error) *LLMError {
	return NewLLMError(KindTimeout, provider, 0, message, cause)
}
