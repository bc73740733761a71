package data

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is; every typed error below matches exactly one.
var (
	ErrValidation    = errors.New("validation_failed")
	ErrNotFound      = errors.New("not_found")
	ErrConflict      = errors.New("conflict")
	ErrNotOnline     = errors.New("device_not_online")
	ErrNotActive     = errors.New("session_not_active")
	ErrAlreadyActive = errors.New("session_already_active")
)

// ValidationError reports malformed input. Never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Kind string // "device", "session", "snapshot"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %q conflict: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type NotOnlineError struct {
	DeviceID string
	Status   DeviceStatus
}

func (e *NotOnlineError) Error() string {
	return fmt.Sprintf("device %q is %s, not online", e.DeviceID, e.Status)
}

func (e *NotOnlineError) Is(target error) bool { return target == ErrNotOnline }

type NotActiveError struct {
	DeviceID string
	State    SessionState
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("session for device %q is not active (state=%s)", e.DeviceID, e.State)
}

func (e *NotActiveError) Is(target error) bool { return target == ErrNotActive }

type AlreadyActiveError struct {
	DeviceID string
	State    SessionState
	Viewer   string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("device %q already has a %s session owned by %q", e.DeviceID, e.State, e.Viewer)
}

func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }
