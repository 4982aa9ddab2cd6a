package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewServiceError("DRUG_SERVICE", "upstream unavailable").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "DRUG_SERVICE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{NewInputError("T", "bad input"), CodeInvalidInput},
		{NewValidationError("T", "bad shape"), CodeValidationFailed},
		{NewServiceError("T", "down"), CodeServiceUnavailable},
		{NewTimeoutError("T", "slow"), CodeTimeout},
		{NewCancelledError("T", "stopped"), CodeCancelled},
		{NewNotFoundError("T", "missing"), CodeNotFound},
		{errors.New("plain"), CodeInternal},
		{fmt.Errorf("wrapped: %w", NewTimeoutError("T", "slow")), CodeTimeout},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.code, CodeOf(tc.err))
	}
}

func TestWithMetadata(t *testing.T) {
	err := NewNotFoundError("STORE", "case not found").
		WithMetadata("case_id", "abc12345").
		WithMetadata("attempts", 2)

	require.NotNil(t, err.Metadata)
	assert.Equal(t, "abc12345", err.Metadata["case_id"])
	assert.Equal(t, 2, err.Metadata["attempts"])
}
