package download

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Code string

const (
	CodeInvalidTransition   Code = "InvalidTransition"
	CodeMaxAttemptsExceeded Code = "MaxAttemptsExceeded"
	CodeAlreadyTerminal     Code = "AlreadyTerminal"
	CodeCorrupted           Code = "Corrupted"
)

// StateError is returned when a transition is refused. Match with errors.Is
// against the Err* values, which compare by Code only.
type StateError struct {
	Code      Code
	SessionID uuid.UUID
	Status    Status
	Message   string
}

var (
	ErrInvalidTransition   = &StateError{Code: CodeInvalidTransition}
	ErrMaxAttemptsExceeded = &StateError{Code: CodeMaxAttemptsExceeded}
	ErrAlreadyTerminal     = &StateError{Code: CodeAlreadyTerminal}
	ErrCorrupted           = &StateError{Code: CodeCorrupted}
)

var (
	ErrNotFound        = errors.New("download session not found")
	ErrVersionConflict = errors.New("download session was modified concurrently")
)

func (e *StateError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session %s (%s): %s", e.SessionID, e.Status, e.Code)
	}
	return fmt.Sprintf("session %s (%s): %s: %s", e.SessionID, e.Status, e.Code, e.Message)
}

func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.Code == e.Code
}

func stateError(s *Session, code Code, format string, args ...any) *StateError {
	return &StateError{Code: code, SessionID: s.ID, Status: s.Status, Message: fmt.Sprintf(format, args...)}
}

// NewStateError builds a StateError for s.
func NewStateError(s *Session, code Code, msg string) *StateError {
	return &StateError{Code: code, SessionID: s.ID, Status: s.Status, Message: msg}
}
