/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("Company", "123")

	expected := `Company with key "123" not found`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}

	if !IsNotFound(err) {
		t.Error("IsNotFound should return true for NotFoundError")
	}
	if !IsRecoverable(err) {
		t.Error("NotFoundError should be recoverable")
	}
}

func TestDuplicateKeyError(t *testing.T) {
	err := NewDuplicateKeyError("Product", "ABC")

	expected := `Product with key "ABC" already exists`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !IsDuplicateKey(err) {
		t.Error("IsDuplicateKey should return true for DuplicateKeyError")
	}
	if IsStaleEntity(err) {
		t.Error("DuplicateKeyError must not be reported as stale")
	}
}

func TestStaleEntityError(t *testing.T) {
	err := NewStaleEntityError("Company", "1", 1, 2)

	expected := `Company with key "1" is stale: expected version 1, stored version 2`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	var stale *StaleEntityError
	if !errors.As(err, &stale) || stale.Actual != 2 {
		t.Fatalf("errors.As should expose the stored version, got %v", err)
	}
	if !IsStaleEntity(err) || !IsRecoverable(err) {
		t.Error("StaleEntityError should be stale and recoverable")
	}
}

func TestLockedError(t *testing.T) {
	err := NewLockedError("Company", "7", "session-b")
	if err.Error() != `Company with key "7" is locked by session-b` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsAlreadyLocked(err) {
		t.Error("LockedError should match ErrAlreadyLocked")
	}

	anonymous := NewLockedError("Company", "7", "")
	if anonymous.Error() != `Company with key "7" is locked` {
		t.Errorf("unexpected message %q", anonymous.Error())
	}
}

func TestValidationError(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		message  string
		expected string
	}{
		{
			name:     "with field",
			field:    "key",
			message:  "natural key required",
			expected: `validation failed for field "key": natural key required`,
		},
		{
			name:     "without field",
			field:    "",
			message:  "missing required fields",
			expected: "validation failed: missing required fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidationError(tt.field, tt.message)

			if err.Error() != tt.expected {
				t.Errorf("Expected error message %q, got %q", tt.expected, err.Error())
			}

			if !errors.Is(err, ErrInvalidInput) {
				t.Error("ValidationError should match ErrInvalidInput")
			}

			if !IsValidationError(err) {
				t.Error("IsValidationError should return true for ValidationError")
			}
		})
	}
}

func TestBackendError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewBackendError("sqlite", "load", true, cause)

	if !IsBackendUnavailable(err) {
		t.Error("BackendError should match ErrBackendUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("BackendError should unwrap to its cause")
	}
	if !IsTransient(err) {
		t.Error("transient classification should be preserved")
	}

	permanent := NewBackendError("sqlite", "load", false, cause)
	if IsTransient(permanent) || IsRecoverable(permanent) {
		t.Error("permanent backend errors are not recoverable")
	}

	t.Run("SemanticErrorsPassThrough", func(t *testing.T) {
		nf := NewNotFoundError("Company", "1")
		if got := NewBackendError("memory", "load", false, nf); got != nf {
			t.Errorf("expected semantic error to pass through, got %v", got)
		}
		if got := NewBackendError("memory", "load", false, context.Canceled); got != context.Canceled {
			t.Errorf("expected context error to pass through, got %v", got)
		}
		if NewBackendError("memory", "load", false, nil) != nil {
			t.Error("nil error should stay nil")
		}
	})
}

func TestErrorWrapping(t *testing.T) {
	original := NewNotFoundError("Company", "123")
	wrapped := fmt.Errorf("database operation failed: %w", original)

	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("Wrapped NotFoundError should still match ErrNotFound")
	}

	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should work with wrapped errors")
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrDuplicateKey,
		ErrStaleEntity,
		ErrAlreadyLocked,
		ErrEntityDeleted,
		ErrNotDirty,
		ErrExhaustedKeySpace,
		ErrBackendUnavailable,
		ErrFactoryClosed,
		ErrFactoryNotOpen,
		ErrMasterBound,
		ErrInvalidInput,
	}

	for i, err1 := range sentinels {
		for j, err2 := range sentinels {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("Sentinel errors should be distinct: %v matches %v", err1, err2)
			}
		}
	}
}
