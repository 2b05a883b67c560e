package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLLMError_DefaultRetryable(t *testing.T) {
	assert.True(t, NewLLMError(KindRateLimit, "anthropic", 429, "slow down", nil).Retryable)
	assert.True(t, NewLLMError(KindProviderUnavailable, "anthropic", 503, "down", nil).Retryable)
	assert.True(t, NewLLMError(KindTimeout, "anthropic", 0, "timed out", nil).Retryable)
	assert.False(t, NewLLMError(KindAuthentication, "anthropic", 401, "bad key", nil).Retryable)
	assert.False(t, NewLLMError(KindInvalidRequest, "anthropic", 400, "bad request", nil).Retryable)
}

func TestRateLimitError_CarriesRetryAfter(t *testing.T) {
	err := RateLimitError("openai", 429, 30, "too many requests", nil)
	assert.Equal(t, 30, err.RetryAfter)
	assert.True(t, err.Retryable)
}

func TestLLMError_UnwrapsCause(t *testing.T) {
	cause := errors.New("sdk exploded")
	err := AuthenticationError("anthropic", 401, "invalid key", cause)
	assert.ErrorIs(t, err, cause)
}

func TestWithRetryable_Overrides(t *testing.T) {
	err := ProviderUnavailableError("anthropic", 503, "down for maintenance", nil).WithRetryable(false)
	assert.False(t, err.Retryable)
}
