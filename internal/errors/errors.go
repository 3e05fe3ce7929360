// Package errors provides structured error types for mill.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for mill.
const (
	// Input and lookup errors
	CodeInputInvalid Code = "INPUT_INVALID"
	CodeNotFound     Code = "NOT_FOUND"

	// Persistence errors
	CodeDBDuplicateEntry  Code = "DB_DUPLICATE_ENTRY"
	CodeSizeLimitExceeded Code = "SIZE_LIMIT_EXCEEDED"
	CodeTransient         Code = "DB_TRANSIENT"

	// Workflow errors
	CodeInvalidState Code = "INVALID_STATE"
	CodeDSLParse     Code = "DSL_PARSE"
	CodeExpression   Code = "EXPRESSION"

	// Action errors
	CodeExecutorFailure Code = "EXECUTOR_FAILURE"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeInputInvalid:      CategoryBadRequest,
	CodeNotFound:          CategoryNotFound,
	CodeDBDuplicateEntry:  CategoryConflict,
	CodeSizeLimitExceeded: CategoryBadRequest,
	CodeTransient:         CategoryUnavailable,
	CodeInvalidState:      CategoryBadRequest,
	CodeDSLParse:          CategoryBadRequest,
	CodeExpression:        CategoryBadRequest,
	CodeExecutorFailure:   CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// EngineError is the structured error type for mill.
type EngineError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *EngineError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *EngineError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *EngineError) MarshalJSON() ([]byte, error) {
	type alias EngineError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *EngineError) WithCause(err error) *EngineError {
	return &EngineError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Cause: err,
	}
}

// HasCode reports whether err is (or wraps) an EngineError with the code.
func HasCode(err error, code Code) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == code
}

// --- Error constructors ---

// InputInvalid reports a failed input validation.
func InputInvalid(format string, args ...any) *EngineError {
	return &EngineError{
		Code: CodeInputInvalid,
		What: fmt.Sprintf(format, args...),
	}
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *EngineError {
	return &EngineError{
		Code: CodeNotFound,
		What: fmt.Sprintf(format, args...),
	}
}

// DuplicateEntry reports a unique-constraint violation.
func DuplicateEntry(format string, args ...any) *EngineError {
	return &EngineError{
		Code: CodeDBDuplicateEntry,
		What: fmt.Sprintf(format, args...),
	}
}

// SizeLimitExceeded reports a JSON field exceeding the configured byte limit.
func SizeLimitExceeded(field string, size, limit int) *EngineError {
	return &EngineError{
		Code: CodeSizeLimitExceeded,
		What: fmt.Sprintf("size of %q is %d bytes which exceeds the limit of %d bytes", field, size, limit),
	}
}

// Transient reports a retryable persistence failure.
func Transient(what string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeTransient,
		What:  what,
		Cause: cause,
	}
}

// InvalidState reports a forbidden state transition or operation-in-state.
func InvalidState(format string, args ...any) *EngineError {
	return &EngineError{
		Code: CodeInvalidState,
		What: fmt.Sprintf(format, args...),
	}
}

// DSLParse reports a workflow definition parsing failure.
func DSLParse(format string, args ...any) *EngineError {
	return &EngineError{
		Code: CodeDSLParse,
		What: fmt.Sprintf(format, args...),
	}
}

// Expression reports an expression evaluation failure.
func Expression(what string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeExpression,
		What:  what,
		Cause: cause,
	}
}

// ExecutorFailure reports an action executor failure.
func ExecutorFailure(what string, cause error) *EngineError {
	return &EngineError{
		Code:  CodeExecutorFailure,
		What:  what,
		Cause: cause,
	}
}
