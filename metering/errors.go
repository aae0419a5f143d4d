/*
errors.go - Error taxonomy of the metering engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels and errors.As on the structured types.

ERROR CATEGORIES:
  1. Validation - user-correctable, reported per field or per row
  2. Conflict   - a uniqueness guard rejected a concurrent write; retry
  3. Dependency - directory or storage unreachable; transient, retry
  4. Not found  - a referenced record doesn't exist

PROPAGATION:
  Allocation returns the first error and writes nothing. Submission collects
  row errors into SubmitResult.Failed and only returns an error when the
  batch could not start.

SEE ALSO:
  - store/sqlite/sqlite.go: maps unique index violations to ErrConflict
  - api/handlers.go: maps categories to HTTP status codes
*/
package metering

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned by stores when a unique guard rejects a write:
	// a unit already covered for the cycle, or an active meter already present.
	ErrConflict = errors.New("conflict")

	// ErrDependency marks failures reaching the directory or the store.
	ErrDependency = errors.New("dependency unavailable")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// VALIDATION
// =============================================================================

type ValidationCode string

const (
	CodeMissingField         ValidationCode = "missing_field"
	CodeInvalidField         ValidationCode = "invalid_field"
	CodeDateOutOfCycle       ValidationCode = "date_out_of_cycle"
	CodeInvalidDateRange     ValidationCode = "invalid_date_range"
	CodeEmptySelection       ValidationCode = "empty_selection"
	CodeUnitAlreadyAssigned  ValidationCode = "unit_already_assigned"
	CodeUnitNotEligible      ValidationCode = "unit_not_eligible"
	CodeCycleServiceMismatch ValidationCode = "cycle_service_mismatch"
	CodeCycleClosed          ValidationCode = "cycle_closed"
	CodeServiceNotMetered    ValidationCode = "service_not_metered"
	CodeNegativeIndex        ValidationCode = "negative_index"
	CodeNonMonotonicIndex    ValidationCode = "non_monotonic_index"
	CodeReadingOutOfOrder    ValidationCode = "reading_out_of_order"
	CodeUnknownRow           ValidationCode = "unknown_row"
	CodeAssignmentCompleted  ValidationCode = "assignment_completed"
	CodeAssignmentHasReading ValidationCode = "assignment_has_readings"
)

// ValidationError describes a user-correctable failure.
// Units is set when the failure concerns specific units.
type ValidationError struct {
	Code    ValidationCode
	Field   string
	Units   []UnitID
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Field != "" {
		b.WriteString(" (" + e.Field + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Units) > 0 {
		ids := make([]string, len(e.Units))
		for i, u := range e.Units {
			ids[i] = string(u)
		}
		b.WriteString(" [" + strings.Join(ids, ", ") + "]")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(code ValidationCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err is a ValidationError with the given code.
func HasCode(err error, code ValidationCode) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == code
}

// =============================================================================
// CONFLICT / DEPENDENCY / NOT FOUND
// =============================================================================

// ConflictError is surfaced to clients as "selection changed, please retry".
type ConflictError struct {
	Resource string
	Key      string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: selection changed, please retry", e.Resource, e.Key)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err == nil || e.Err == ErrConflict {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Err}
}

// DependencyError wraps a failure of the directory or the store.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependency, e.Err}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// classify turns a raw store or directory error into the taxonomy.
// Errors already classified pass through unchanged.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict), errors.Is(err, ErrDependency):
		return err
	default:
		return &DependencyError{Op: op, Err: err}
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDependency)
}

// IsClientError returns true if the caller must change its input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
