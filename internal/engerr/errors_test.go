package engerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", RateLimit("too many requests"))
	assert.True(t, Is(err, RateLimited))
	assert.False(t, Is(err, Timeout))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), Validation))
}

func TestKindOfExtractsKind(t *testing.T) {
	k, ok := KindOf(DataBad("bad shape"))
	assert.True(t, ok)
	assert.Equal(t, DataIntegrity, k)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, RateLimited.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.True(t, NetworkTransient.Retryable())
	assert.False(t, Validation.Retryable())
	assert.False(t, Fatal.Retryable())
}

func TestErrorMessageIncludesCodeWhenSet(t *testing.T) {
	err := Exchange("-1021", "timestamp outside window")
	assert.Contains(t, err.Error(), "-1021")
	assert.Contains(t, err.Error(), "timestamp outside window")
}

func TestUnwrapReturnsWrapped(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := Transient("failed to reach exchange", inner)
	assert.Equal(t, inner, errors.Unwrap(err))
}
