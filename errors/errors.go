// Package errors defines the coded error type shared by the engine, the saga
// runtime and the persistence backends.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies an Error
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrPermission
	ErrConfiguration
	ErrTimeout
	ErrCancelled

	// raised while running tasks and writing state
	ErrTransient
	ErrTerminal
	ErrConflict

	// raised by saga actions
	ErrIntegration
	ErrNoAction

	// raised while building stage graphs
	ErrBuilderMisuse
	ErrDanglingReference
	ErrCycle
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:           "unknown",
	ErrNotFound:          "not_found",
	ErrInvalidInput:      "invalid_input",
	ErrPermission:        "permission",
	ErrConfiguration:     "configuration",
	ErrTimeout:           "timeout",
	ErrCancelled:         "cancelled",
	ErrTransient:         "transient",
	ErrTerminal:          "terminal",
	ErrConflict:          "conflict",
	ErrIntegration:       "integration",
	ErrNoAction:          "no_action",
	ErrBuilderMisuse:     "builder_misuse",
	ErrDanglingReference: "dangling_reference",
	ErrCycle:             "cycle",
}

// String returns the stable name used in exception details and metric labels
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a coded error. Op names the failing operation and Context carries
// structured details that end up in stage exceptions.
type Error struct {
	Code    ErrorCode
	Message string
	Op      string
	Cause   error
	Context map[string]interface{}
}

// Error renders "op: message: cause", leaving out empty parts
func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) clone() *Error {
	out := *e
	if e.Context != nil {
		out.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// coded returns a copy of err as an *Error. Foreign errors are wrapped and
// keep the code of any *Error further down their chain.
func coded(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e.clone()
	}
	return &Error{Code: GetCode(err), Cause: err}
}

// New returns an error with code and message
func New(code ErrorCode, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// WithOp records the failing operation, replacing any previous one
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	e := coded(err)
	e.Op = op
	return e
}

// WithContext merges details into the error's context
func WithContext(err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}
	e := coded(err)
	if e.Context == nil {
		e.Context = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Context[k] = v
	}
	return e
}

// GetCode returns the code of the first *Error in err's chain
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the context of the first *Error in err's chain
func GetContext(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

func IsTimeout(err error) bool {
	return GetCode(err) == ErrTimeout
}

func IsCancelled(err error) bool {
	return GetCode(err) == ErrCancelled
}

// IsConflict reports a lost compare-and-swap
func IsConflict(err error) bool {
	return GetCode(err) == ErrConflict
}

// IsIntegration reports a failed lookup or conversion of an external resource
func IsIntegration(err error) bool {
	return GetCode(err) == ErrIntegration
}

// IsBuilderMisuse reports a programming error made while building a stage graph
func IsBuilderMisuse(err error) bool {
	switch GetCode(err) {
	case ErrBuilderMisuse, ErrDanglingReference, ErrCycle:
		return true
	}
	return false
}

// IsPermanent reports whether retrying cannot change the outcome
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	switch GetCode(err) {
	case ErrInvalidInput, ErrPermission, ErrConfiguration, ErrTerminal, ErrNoAction, ErrCancelled:
		return true
	}
	return IsBuilderMisuse(err)
}

// IsRetryable is the complement of IsPermanent for non-nil errors
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Is forwards to the standard library
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library
func As(err error, target any) bool {
	return errors.As(err, target)
}
