package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Agent-related errors
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentNotAvailable  = errors.New("agent not available")
	ErrAgentAlreadyExists = errors.New("agent already exists")

	// Strategy-related errors
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrNoDiscovery      = errors.New("no discovery produced")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotRunning     = errors.New("not running")

	// Operation errors
	ErrCapacityExhausted  = errors.New("task capacity exhausted")
	ErrHealingExhausted   = errors.New("healing attempts exhausted")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrSnapshotCorrupted  = errors.New("snapshot corrupted")
	ErrDuplicateDiscovery = errors.New("duplicate discovery")
)

// FleetError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FleetError struct {
	Op      string // Operation that failed (e.g., "orchestrator.Register")
	Kind    string // Error kind (e.g., "agent", "healing", "snapshot")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FleetError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FleetError) Unwrap() error {
	return e.Err
}

// NewFleetError creates a new FleetError
func NewFleetError(op, kind string, err error) *FleetError {
	return &FleetError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAgentAlreadyExists)
}
