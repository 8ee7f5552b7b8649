/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrNotFound is returned when no entity exists for a key
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned by a backend when an insert hits an existing key
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrDuplicateKey is returned when a caller supplied key is already in use
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrStaleEntity is returned when the stored version no longer matches the caller's version
	ErrStaleEntity = errors.New("stale entity")

	// ErrAlreadyLocked is returned when another session holds the entity lock
	ErrAlreadyLocked = errors.New("entity already locked")

	// ErrEntityDeleted is returned for any mutation of a deleted entity
	ErrEntityDeleted = errors.New("entity deleted")

	// ErrNotDirty is returned when an update is requested for an unchanged entity
	ErrNotDirty = errors.New("entity has no pending changes")

	// ErrExhaustedKeySpace is returned when a key generator would overflow
	ErrExhaustedKeySpace = errors.New("key space exhausted")

	// ErrBackendUnavailable is returned when the backend could not serve a call
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrFactoryClosed is returned by every DAO of a closed factory
	ErrFactoryClosed = errors.New("dao factory closed")

	// ErrFactoryNotOpen is returned when a DAO is used before its factory was opened
	ErrFactoryNotOpen = errors.New("dao factory not open")

	// ErrMasterBound is returned when a master is already bound to another factory
	ErrMasterBound = errors.New("dao master already bound to a factory")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError represents an error when an entity is not found
type NotFoundError struct {
	Type string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with key %q not found", e.Type, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DuplicateKeyError represents an attempt to create an entity under a key that is taken
type DuplicateKeyError struct {
	Type string
	Key  string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s with key %q already exists", e.Type, e.Key)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey || target == ErrAlreadyExists
}

// StaleEntityError reports an optimistic lock failure.
// Actual is zero when the stored version could not be read.
type StaleEntityError struct {
	Type     string
	Key      string
	Expected int64
	Actual   int64
}

func (e *StaleEntityError) Error() string {
	return fmt.Sprintf("%s with key %q is stale: expected version %d, stored version %d",
		e.Type, e.Key, e.Expected, e.Actual)
}

func (e *StaleEntityError) Is(target error) bool {
	return target == ErrStaleEntity
}

// LockedError reports that another session holds the entity lock
type LockedError struct {
	Type  string
	Key   string
	Owner string
}

func (e *LockedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("%s with key %q is locked", e.Type, e.Key)
	}
	return fmt.Sprintf("%s with key %q is locked by %s", e.Type, e.Key, e.Owner)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// ValidationError represents an input validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// BackendError wraps a failure of the storage collaborator.
// The backend decides whether the failure is transient.
type BackendError struct {
	Backend   string
	Operation string
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Operation, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// Helper functions for creating errors

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(entityType, key string) error {
	return &NotFoundError{Type: entityType, Key: key}
}

// NewDuplicateKeyError creates a new DuplicateKeyError
func NewDuplicateKeyError(entityType, key string) error {
	return &DuplicateKeyError{Type: entityType, Key: key}
}

// NewStaleEntityError creates a new StaleEntityError
func NewStaleEntityError(entityType, key string, expected, actual int64) error {
	return &StaleEntityError{Type: entityType, Key: key, Expected: expected, Actual: actual}
}

// NewLockedError creates a new LockedError
func NewLockedError(entityType, key, owner string) error {
	return &LockedError{Type: entityType, Key: key, Owner: owner}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NewBackendError wraps err as a BackendError. Errors that already carry one of
// the package's semantic sentinels are returned unchanged, and context
// cancellation is passed through so callers can tell it apart.
func NewBackendError(backend, operation string, transient bool, err error) error {
	if err == nil {
		return nil
	}
	if isSemantic(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &BackendError{Backend: backend, Operation: operation, Transient: transient, Err: err}
}

func isSemantic(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrDuplicateKey, ErrStaleEntity,
		ErrAlreadyLocked, ErrBackendUnavailable, ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsDuplicateKey checks if an error is a duplicate key error
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsStaleEntity checks if an error is an optimistic lock failure
func IsStaleEntity(err error) bool {
	return errors.Is(err, ErrStaleEntity)
}

// IsAlreadyLocked checks if an error reports lock contention
func IsAlreadyLocked(err error) bool {
	return errors.Is(err, ErrAlreadyLocked)
}

// IsEntityDeleted checks if an error reports a deleted entity
func IsEntityDeleted(err error) bool {
	return errors.Is(err, ErrEntityDeleted)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsBackendUnavailable checks if an error came from the storage collaborator
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsFactoryClosed checks if an error reports a closed factory
func IsFactoryClosed(err error) bool {
	return errors.Is(err, ErrFactoryClosed)
}

// IsTransient reports whether the backend classified err as transient.
// The core itself never retries; this is for callers that do.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRecoverable reports whether the caller can retry after reloading or waiting.
func IsRecoverable(err error) bool {
	return IsNotFound(err) || IsStaleEntity(err) || IsAlreadyLocked(err) || IsTransient(err)
}
