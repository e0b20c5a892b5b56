// Package fault defines the structured errors returned by every component of
// the bridge. Each error carries a Kind (the coarse category callers branch on),
// a Code (the specific condition) and a human readable detail.
//
// Errors are built on github.com/cockroachdb/errors so they keep a stack trace
// and survive wrapping; use errors.Is against the Err* sentinels below or
// KindOf to classify any error.
package fault

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind is the coarse error category
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindWorkerException   Kind = "worker_exception"
	KindResourceExhausted Kind = "resource_exhausted"
	KindSerialization     Kind = "serialization"
	KindSessionClosed     Kind = "session_closed"
	KindInternal          Kind = "internal"
)

// Code is the specific error condition
type Code string

const (
	CodeSizeExceeded       Code = "size_exceeded"
	CodeCountExceeded      Code = "count_exceeded"
	CodeSessionNotFound    Code = "session_not_found"
	CodeVariableNotFound   Code = "variable_not_found"
	CodeToolNotFound       Code = "tool_not_found"
	CodeOperationNotFound  Code = "operation_not_found"
	CodeInvalidArity       Code = "invalid_arity"
	CodeDuplicateName      Code = "duplicate_name"
	CodeInvalidName        Code = "invalid_name"
	CodeInvalidArgs        Code = "invalid_args"
	CodeMissingRequired    Code = "missing_required"
	CodeTypeMismatch       Code = "type_mismatch"
	CodeUnknownParameter   Code = "unknown_parameter"
	CodeInvalidResultShape Code = "invalid_result_shape"
	CodeInvalidContract    Code = "invalid_contract"
	CodeException          Code = "exception"
	CodeDeadlineExceeded   Code = "deadline_exceeded"
	CodePoolExhausted      Code = "pool_exhausted"
	CodeWorkerCrashed      Code = "worker_crashed"
	CodeSessionClosed      Code = "session_closed"
	CodeCodecFailure       Code = "codec_failure"
	CodeUnavailable        Code = "unavailable"
	CodeSessionLimit       Code = "session_limit"
	CodeInternal           Code = "internal"
)

// codeKinds maps each code to its default kind
var codeKinds = map[Code]Kind{
	CodeSizeExceeded:       KindValidation,
	CodeCountExceeded:      KindValidation,
	CodeSessionNotFound:    KindNotFound,
	CodeVariableNotFound:   KindNotFound,
	CodeToolNotFound:       KindNotFound,
	CodeOperationNotFound:  KindNotFound,
	CodeInvalidArity:       KindValidation,
	CodeDuplicateName:      KindValidation,
	CodeInvalidName:        KindValidation,
	CodeInvalidArgs:        KindValidation,
	CodeMissingRequired:    KindValidation,
	CodeTypeMismatch:       KindValidation,
	CodeUnknownParameter:   KindValidation,
	CodeInvalidResultShape: KindWorkerException,
	CodeInvalidContract:    KindValidation,
	CodeException:          KindWorkerException,
	CodeDeadlineExceeded:   KindTimeout,
	CodePoolExhausted:      KindResourceExhausted,
	CodeWorkerCrashed:      KindWorkerException,
	CodeSessionClosed:      KindSessionClosed,
	CodeCodecFailure:       KindSerialization,
	CodeUnavailable:        KindResourceExhausted,
	CodeSessionLimit:       KindResourceExhausted,
	CodeInternal:           KindInternal,
}

// Error is the structured error value
type Error struct {
	Kind     Kind   `json:"kind" msgpack:"kind"`
	Code     Code   `json:"code" msgpack:"code"`
	Detail   string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	Field    string `json:"field,omitempty" msgpack:"field,omitempty"`
	Expected string `json:"expected,omitempty" msgpack:"expected,omitempty"`
	Actual   string `json:"actual,omitempty" msgpack:"actual,omitempty"`
	cause    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Field != "" {
		msg += "(" + e.Field
		if e.Expected != "" {
			msg += ", expected " + e.Expected + ", got " + e.Actual
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, so wrapped errors compare against the sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons. Never return these directly, use New.
var (
	ErrSizeExceeded       = &Error{Kind: KindValidation, Code: CodeSizeExceeded}
	ErrCountExceeded      = &Error{Kind: KindValidation, Code: CodeCountExceeded}
	ErrSessionNotFound    = &Error{Kind: KindNotFound, Code: CodeSessionNotFound}
	ErrVariableNotFound   = &Error{Kind: KindNotFound, Code: CodeVariableNotFound}
	ErrToolNotFound       = &Error{Kind: KindNotFound, Code: CodeToolNotFound}
	ErrOperationNotFound  = &Error{Kind: KindNotFound, Code: CodeOperationNotFound}
	ErrInvalidArity       = &Error{Kind: KindValidation, Code: CodeInvalidArity}
	ErrDuplicateName      = &Error{Kind: KindValidation, Code: CodeDuplicateName}
	ErrInvalidName        = &Error{Kind: KindValidation, Code: CodeInvalidName}
	ErrInvalidArgs        = &Error{Kind: KindValidation, Code: CodeInvalidArgs}
	ErrMissingRequired    = &Error{Kind: KindValidation, Code: CodeMissingRequired}
	ErrTypeMismatch       = &Error{Kind: KindValidation, Code: CodeTypeMismatch}
	ErrUnknownParameter   = &Error{Kind: KindValidation, Code: CodeUnknownParameter}
	ErrInvalidResultShape = &Error{Kind: KindWorkerException, Code: CodeInvalidResultShape}
	ErrInvalidContract    = &Error{Kind: KindValidation, Code: CodeInvalidContract}
	ErrException          = &Error{Kind: KindWorkerException, Code: CodeException}
	ErrDeadlineExceeded   = &Error{Kind: KindTimeout, Code: CodeDeadlineExceeded}
	ErrPoolExhausted      = &Error{Kind: KindResourceExhausted, Code: CodePoolExhausted}
	ErrWorkerCrashed      = &Error{Kind: KindWorkerException, Code: CodeWorkerCrashed}
	ErrSessionClosed      = &Error{Kind: KindSessionClosed, Code: CodeSessionClosed}
	ErrCodecFailure       = &Error{Kind: KindSerialization, Code: CodeCodecFailure}
	ErrUnavailable        = &Error{Kind: KindResourceExhausted, Code: CodeUnavailable}
	ErrSessionLimit       = &Error{Kind: KindResourceExhausted, Code: CodeSessionLimit}
)

// New returns a new error for code with a formatted detail and a stack trace
func New(code Code, format string, args ...interface{}) error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return errors.WithStackDepth(&Error{Kind: kindFor(code), Code: code, Detail: detail}, 1)
}

// Wrap returns a new error for code caused by err. The cause stays reachable
// through errors.Is / errors.As.
func Wrap(err error, code Code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	if detail == "" {
		detail = err.Error()
	} else {
		detail = detail + ": " + err.Error()
	}
	return errors.WithStackDepth(&Error{Kind: kindFor(code), Code: code, Detail: detail, cause: err}, 1)
}

// MissingRequired is returned when a required field is absent
func MissingRequired(field string) error {
	return errors.WithStackDepth(&Error{
		Kind:   KindValidation,
		Code:   CodeMissingRequired,
		Field:  field,
		Detail: "missing required field",
	}, 1)
}

// TypeMismatch is returned when a field has the wrong type
func TypeMismatch(field, expected, actual string) error {
	return errors.WithStackDepth(&Error{
		Kind:     KindValidation,
		Code:     CodeTypeMismatch,
		Field:    field,
		Expected: expected,
		Actual:   actual,
	}, 1)
}

// UnknownParameter is returned when an argument is not declared by the contract
func UnknownParameter(field string) error {
	return errors.WithStackDepth(&Error{
		Kind:   KindValidation,
		Code:   CodeUnknownParameter,
		Field:  field,
		Detail: "parameter is not declared",
	}, 1)
}

// Exception wraps a failure raised inside user code (a tool or a worker handler)
func Exception(detail string) error {
	return errors.WithStackDepth(&Error{Kind: KindWorkerException, Code: CodeException, Detail: detail}, 1)
}

func kindFor(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInternal
}

// As extracts the *Error from err
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf classifies any error. Context deadlines map to KindTimeout and
// cancellations to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal when err is not a fault error
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	return CodeInternal
}

// IsKind reports whether err is of kind k
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether a caller may retry the failed operation. Only
// timeouts qualify, and only the caller knows whether the operation is
// idempotent, so the bridge itself never retries.
func IsRetryable(err error) bool {
	return IsKind(err, KindTimeout)
}

// IsFatal reports whether err means the pool cannot make progress
func IsFatal(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}
