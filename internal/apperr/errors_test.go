package apperr_test

import (
	"errors"
	"testing"

	"github.com/sunyych/ingestd/internal/apperr"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *apperr.AppError
		expected string
	}{
		{
			name:     "with message",
			err:      apperr.NewWithMessage("TestOp", apperr.ErrBlocked, "blocked by source"),
			expected: "TestOp: blocked by source",
		},
		{
			name:     "without message",
			err:      apperr.New("TestOp", apperr.ErrNotFound),
			expected: "TestOp: resource not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := apperr.ErrNotFound
	wrappedErr := apperr.New("TestOp", originalErr)

	if !errors.Is(wrappedErr, originalErr) {
		t.Error("Unwrap() should allow errors.Is to find the original error")
	}
}

func TestWrap_NilError(t *testing.T) {
	result := apperr.Wrap("TestOp", nil)
	if result != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestStageTaxonomyPredicates(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		checkFn  func(error) bool
		expected bool
	}{
		{"IsBlocked positive", apperr.ErrBlocked, apperr.IsBlocked, true},
		{"IsBlocked negative", apperr.ErrTimeout, apperr.IsBlocked, false},
		{"IsMembershipOnly positive", apperr.ErrMembershipOnly, apperr.IsMembershipOnly, true},
		{"IsFormatUnavailable positive", apperr.ErrFormatUnavailable, apperr.IsFormatUnavailable, true},
		{"IsLiveStream positive", apperr.ErrLiveStream, apperr.IsLiveStream, true},
		{"IsRetryableNetwork positive", apperr.ErrRetryableNetwork, apperr.IsRetryableNetwork, true},
		{"IsASRUnavailable positive", apperr.ErrASRUnavailable, apperr.IsASRUnavailable, true},
		{"IsRunnerFailure positive", apperr.ErrRunnerFailure, apperr.IsRunnerFailure, true},
		{"IsLLMTransient positive", apperr.ErrLLMTransient, apperr.IsLLMTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.checkFn(tt.err); got != tt.expected {
				t.Errorf("check(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestWrappedErrorPreservesIs(t *testing.T) {
	original := apperr.ErrAuthRequired
	wrapped1 := apperr.Wrap("Layer1", original)
	wrapped2 := apperr.Wrap("Layer2", wrapped1)

	if !errors.Is(wrapped2, original) {
		t.Error("Deeply wrapped error should still match with errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	err := apperr.NewWithCode("executor.Download", apperr.ErrBlocked, apperr.CodeBlocked, "blocked")
	if got := apperr.CodeOf(err); got != apperr.CodeBlocked {
		t.Errorf("CodeOf() = %q, want %q", got, apperr.CodeBlocked)
	}
	if got := apperr.CodeOf(errors.New("plain")); got != apperr.CodeUnexpected {
		t.Errorf("CodeOf(plain) = %q, want %q", got, apperr.CodeUnexpected)
	}
}
