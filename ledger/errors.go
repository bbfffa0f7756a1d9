/*
errors.go - Centralized error types for the meter ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the five category
  sentinels; the HTTP layer maps each category to one status code.

ERROR CATEGORIES:
  1. ErrValidation - Missing or malformed input, the user must resubmit
  2. ErrNotFound   - Referenced panel/draft/session is absent
  3. ErrConflict   - Requires a human decision (not a bug)
  4. ErrState      - Session gating violations
  5. ErrInternal   - Unexpected failure, the transaction was rolled back

NOT ERRORS:
  Rollover inconsistencies and same-day ledger conflicts are returned as
  data (SubmitResult.Inconsistency, ConflictReport) because they route to a
  decision UI. Import row failures are collected in ImportReport.Errors.

SEE ALSO:
  - api/handlers.go: writeLedgerError maps categories to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("invalid state")
	ErrInternal   = errors.New("internal error")
)

var (
	ErrPanelNotFound   = fmt.Errorf("panel %w", ErrNotFound)
	ErrDraftNotFound   = fmt.Errorf("draft %w", ErrNotFound)
	ErrReadingNotFound = fmt.Errorf("reading %w", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)

	// ErrSessionAlreadyActive is returned by Start when a session is open.
	ErrSessionAlreadyActive = fmt.Errorf("%w: a session is already active", ErrState)

	// ErrNoActiveSession is returned by End when nothing is open.
	ErrNoActiveSession = fmt.Errorf("%w: no active session", ErrState)

	// ErrSessionInactive is returned by draft-accepting operations
	// when no session is active.
	ErrSessionInactive = fmt.Errorf("%w: no active session, wait for a supervisor to start one", ErrState)

	// ErrNoDrafts is returned by conflict detection and consolidation
	// when the draft store is empty.
	ErrNoDrafts = fmt.Errorf("%w: there are no drafts", ErrState)

	ErrDuplicatePanelName = fmt.Errorf("%w: a panel with this name already exists", ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a single invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ImportRowError is a per-row, non-fatal import failure.
type ImportRowError struct {
	Row     int
	Message string
}

func (e ImportRowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// InternalError wraps an unexpected failure. The transaction it happened
// in has been rolled back; the caller may retry the whole operation.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() []error {
	return []error{ErrInternal, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStateError returns true if the error is a session gating violation.
func IsStateError(err error) bool {
	return errors.Is(err, ErrState)
}

// IsInternal returns true if the error triggered a rollback.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrInternal)
}

// internal passes domain errors through unchanged and wraps anything else
// as an InternalError for op.
func internal(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}
