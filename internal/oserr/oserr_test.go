package oserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Is_MatchesByCode(t *testing.T) {
	err := New(CodeLockHeld, "lock held by pid 42")
	target := New(CodeLockHeld, "different message")

	assert.True(t, errors.Is(err, target))
	assert.False(t, errors.Is(err, New(CodeStaleLock, "")))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeWorkerCrash, "worker 2 exited", cause)

	require.NotNil(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestWrap_NilCause(t *testing.T) {
	assert.Nil(t, Wrap(CodeInternal, "nothing happened", nil))
}

func TestHasCode_WrappedChain(t *testing.T) {
	inner := New(CodeDimensionMismatch, "expected 384, got 256")
	outer := fmt.Errorf("indexing a.ts: %w", inner)

	assert.True(t, HasCode(outer, CodeDimensionMismatch))
	assert.False(t, HasCode(outer, CodeWorkerTimeout))
}

func TestError_WithDetail(t *testing.T) {
	err := New(CodeLockHeld, "lock held").
		WithDetail("pid", "1234").
		WithDetail("since", "2026-01-01T00:00:00Z")

	assert.Equal(t, "1234", err.Details["pid"])
	assert.Equal(t, "2026-01-01T00:00:00Z", err.Details["since"])
}

func TestError_Message(t *testing.T) {
	err := Wrap(CodeDecodeError, "skipping binary file", errors.New("invalid UTF-8"))
	assert.Contains(t, err.Error(), "decode_error")
	assert.Contains(t, err.Error(), "invalid UTF-8")
}
