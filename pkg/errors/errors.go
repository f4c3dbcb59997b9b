// Package errors defines the error taxonomy used by the reconciliation
// engine.
//
// Errors fall into four categories with distinct handling policies:
//
//   - validation: malformed source records, rejected synchronously at the
//     ingestion boundary; they never enter the matching pipeline.
//   - transient: embedding provider or arbitration oracle failures; retried
//     with bounded backoff, then degraded to the next-safer behavior.
//   - consistency: conservation violations or double-accepts; fatal for the
//     offending record, never retried, never silently repaired.
//   - internal: unexpected programming errors.
//
// Ambiguity between candidates is deliberately NOT an error: it is a modeled
// pipeline outcome (a pending match flagged for review).
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category classifies an error for propagation policy decisions.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryTransient   Category = "transient"
	CategoryConsistency Category = "consistency"
	CategoryInternal    Category = "internal"
)

// Code identifies a specific failure within a category.
type Code string

const (
	// Validation codes.
	CodeMissingAmount  Code = "missing_amount"
	CodeMissingDate    Code = "missing_date"
	CodeMissingField   Code = "missing_field"
	CodeInvalidRecord  Code = "invalid_record"
	CodeInvalidConfig  Code = "invalid_config"
	CodeInvalidRequest Code = "invalid_request"

	// Transient codes.
	CodeEmbeddingUnavailable Code = "embedding_unavailable"
	CodeOracleUnavailable    Code = "oracle_unavailable"
	CodeOracleTimeout        Code = "oracle_timeout"
	CodeOracleMalformed      Code = "oracle_malformed_response"

	// Consistency codes.
	CodeConservationViolated Code = "conservation_violated"
	CodeOverAllocation       Code = "over_allocation"
	CodeDoubleAccept         Code = "double_accept"
	CodeStatusRegression     Code = "status_regression"
	CodeSupersedeConflict    Code = "supersede_conflict"

	// Internal codes.
	CodeUnexpected Code = "unexpected"
	CodeStorage    Code = "storage"
)

// Error is the engine's error type. It carries a category, code, free-form
// context for operator diagnosis, and an optional wrapped cause with a stack
// trace captured at construction.
type Error struct {
	Category Category               `json:"category"`
	Code     Code                   `json:"code"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Cause    error                  `json:"-"`

	stack errors.StackTrace
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Message, e.Category, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s [%s/%s]", e.Message, e.Category, e.Code)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// StackTrace returns the stack captured when the error was created.
func (e *Error) StackTrace() errors.StackTrace {
	return e.stack
}

// WithContext attaches a key-value pair for diagnosis. Returns the receiver
// for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failing operation may be retried.
// Only transient errors are retryable; consistency errors in particular
// must surface immediately.
func (e *Error) IsRetryable() bool {
	return e.Category == CategoryTransient
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func capture() errors.StackTrace {
	if st, ok := errors.New("").(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// New creates a new Error.
func New(category Category, code Code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		stack:    capture(),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category Category, code Code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap annotates an existing error. Returns nil when err is nil.
func Wrap(err error, category Category, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    err,
		stack:    capture(),
	}
}

// Validation creates a validation error.
func Validation(code Code, message string) *Error {
	return New(CategoryValidation, code, message)
}

// Transient creates a transient (retryable) error.
func Transient(code Code, message string) *Error {
	return New(CategoryTransient, code, message)
}

// Consistency creates a fatal internal-consistency error.
func Consistency(code Code, message string) *Error {
	return New(CategoryConsistency, code, message)
}

// Internal creates an internal error.
func Internal(code Code, message string) *Error {
	return New(CategoryInternal, code, message)
}

// CategoryOf extracts the category from an error chain. Errors that are not
// *Error are classified as internal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsCategory reports whether err (or anything it wraps) belongs to the given
// category.
func IsCategory(err error, category Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == category
	}
	return false
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}
