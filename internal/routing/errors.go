// ABOUTME: Typed errors returned by the routing engine
// ABOUTME: Every failure means no state was changed; callers branch with errors.Is / errors.As

package routing

import (
	"errors"
	"fmt"

	"github.com/2389/handoff-gateway/internal/store"
)

var (
	// ErrNotFound means a referenced tenant, operator, conversation or transfer does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the conversation's status does not permit the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrTenantMismatch means the entity belongs to a different tenant than the caller.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrCapacity means an explicit assignment found the operator full or not accepting work.
	// Handoff requests never return it; no capacity there is a queued outcome.
	ErrCapacity = errors.New("operator has no capacity")

	// ErrInvalidArgument means an input failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthenticated means the context carries no caller identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// StateError reports the status that blocked an operation.
type StateError struct {
	Op             string
	ConversationID string
	Status         store.ConversationStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: conversation %s is %s", e.Op, e.ConversationID, e.Status)
}

// Unwrap makes errors.Is(err, ErrInvalidState) hold.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// notFound translates store.ErrNotFound into a NotFoundError and wraps anything else.
func notFound(entity, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("loading %s %s: %w", entity, id, err)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
