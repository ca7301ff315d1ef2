package services

import (
	"errors"
	"fmt"
)

// ValidationError is malformed caller input, rejected before any network call
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

var (
	// ErrSessionNotFound is returned when no undo session matches
	ErrSessionNotFound = errors.New("undo session not found")

	// ErrCircuitOpen is returned when the destination has failed too often recently
	ErrCircuitOpen = errors.New("destination circuit breaker is open")

	// ErrPushInProgress is returned when the tenant has no free push slot
	ErrPushInProgress = errors.New("push already in progress for tenant")

	// ErrNoDestination is returned by pushes when no destination store is configured
	ErrNoDestination = errors.New("destination store is not configured")
)
