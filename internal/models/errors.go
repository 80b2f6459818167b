package models

import "errors"

// Sentinel errors shared by the coordinator components.
var (
	ErrInvalidSpec       = errors.New("invalid run spec")
	ErrUnknownRun        = errors.New("run not found")
	ErrUnknownRunner     = errors.New("runner not found")
	ErrUnknownSession    = errors.New("session not found")
	ErrRunnerConflict    = errors.New("runner already registered and online")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflictingDemand = errors.New("conflicting demand")
)

// DemandTimeoutError is recorded on runs that no runner claimed in time.
const DemandTimeoutError = "no matching runner within timeout"
