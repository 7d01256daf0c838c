package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies phase execution failures. Only input_validation,
// fallback_invalid, retry_exhausted, and internal_invariant propagate to the
// orchestrator as session failures; backend_transient drives the retry loop
// and parse failures are absorbed by the fallback path.
type ErrorKind string

// Error kinds.
const (
	ErrKindInputValidation  ErrorKind = "input_validation"
	ErrKindBackendTransient ErrorKind = "backend_transient"
	ErrKindParse            ErrorKind = "parse"
	ErrKindFallbackInvalid  ErrorKind = "fallback_invalid"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindRetryExhausted   ErrorKind = "retry_exhausted"
	ErrKindInternal         ErrorKind = "internal_invariant"
)

// PhaseError is the typed error returned by agent execution.
type PhaseError struct {
	Kind  ErrorKind
	Phase int
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %d %s: %v", e.Phase, e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NewPhaseError wraps err with a kind and phase number.
func NewPhaseError(kind ErrorKind, phase int, err error) *PhaseError {
	return &PhaseError{Kind: kind, Phase: phase, Err: err}
}

// KindOf extracts the ErrorKind from err, or internal_invariant when err is
// not a PhaseError.
func KindOf(err error) ErrorKind {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindInternal
}
