package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// ErrorClass tells a caller whether a failed run is worth attempting again.
// The engine itself never retries.
type ErrorClass string

const (
	// ErrorClassTransient is a failure that may go away on its own, such as a
	// lost connection or a timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means another controller holds the instance.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent needs an operator: bad descriptor, denied policy,
	// failing command.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeLocked         = "LOCKED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeGuardFailed    = "GUARD_FAILED"
	ErrCodeCommandFailed  = "COMMAND_FAILED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
)

// EngineError is a classified error carrying the declaration it happened on.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class       ErrorClass `json:"class"`
	Code        string     `json:"code,omitempty"`
	Message     string     `json:"message"`
	Resource    string     `json:"resource,omitempty"`
	Declaration string     `json:"declaration,omitempty"`

	// Err is the underlying error, left untouched.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Declaration != "":
		msg += fmt.Sprintf(" (resource=%s, declaration=%q)", e.Resource, e.Declaration)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Declaration != "":
		msg += fmt.Sprintf(" (declaration=%q)", e.Declaration)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError of the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithResource sets the managed instance the error belongs to.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithDeclaration sets the declaration being applied when the error occurred.
func (e *EngineError) WithDeclaration(name string) *EngineError {
	e.Declaration = name
	return e
}

// Classify wraps err from the executor in an EngineError. Runner error
// codes and context expiry decide the class; anything else is transport
// trouble and therefore transient.
func Classify(message string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	var re *protocol.ErrorMessage
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(message, err).WithCode(ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return NewPermanentError(message, err).WithCode(ErrCodeInternal)
	case errors.As(err, &re):
		switch re.Code {
		case protocol.ErrCodeTimeout:
			return NewTransientError(message, err).WithCode(ErrCodeTimeout)
		case protocol.ErrCodeNotFound:
			return NewPermanentError(message, err).WithCode(ErrCodeNotFound)
		default:
			return NewPermanentError(message, err).WithCode(ErrCodeCommandFailed)
		}
	default:
		return NewTransientError(message, err).WithCode(ErrCodeTransport)
	}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether running the same plan again could succeed.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
