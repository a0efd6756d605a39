// Package errors provides the coded error type used across qbridge: a code
// for classification, the failing operation, context fields and the stack
// at creation.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type Code string

// Only FATAL_CONNECTION_ERROR ends a listening process. CONNECTION_LOST is
// absorbed by the supervisor; the rest are reported and the loop goes on.
const (
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTimeout         Code = "TIMEOUT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeConnection      Code = "CONNECTION_ERROR"
	CodeFatalConnection Code = "FATAL_CONNECTION_ERROR"
	CodeConnectionLost  Code = "CONNECTION_LOST"
	CodeCancelled       Code = "CANCELLED"
	CodeProtocol        Code = "PROTOCOL_ERROR"
)

var httpStatus = map[Code]int{
	CodeValidation:      400,
	CodeNotFound:        404,
	CodeCancelled:       499,
	CodeProtocol:        502,
	CodeUnavailable:     503,
	CodeConnection:      503,
	CodeConnectionLost:  503,
	CodeFatalConnection: 503,
	CodeTimeout:         504,
}

// HTTPStatus is the admin API status for c; unknown codes map to 500.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return 500
}

type Error struct {
	Code    Code
	Message string
	// Op names the failing operation, e.g. "transport.pop".
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error renders "op: [CODE] message: cause", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op + ": ")
	}
	if e.Code != "" {
		b.WriteString("[" + string(e.Code) + "] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

// WithFields merges fields into e, overwriting existing keys.
func (e *Error) WithFields(fields map[string]any) *Error {
	if len(fields) == 0 {
		return e
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

// StackTrace formats Stack one frame per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func build(code Code, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: cause, Stack: captureStack(3)}
}

func New(code Code, message string) *Error {
	return build(code, "", message, nil)
}

func Newf(code Code, format string, args ...any) *Error {
	return build(code, "", fmt.Sprintf(format, args...), nil)
}

// Wrap adds op and message to err. A coded cause keeps its code and fields;
// anything else becomes INTERNAL_ERROR.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return build(coded.Code, op, message, err).WithFields(coded.Fields)
	}
	return build(CodeInternal, op, message, err)
}

// WrapWithCode wraps err under an explicit code. It returns nil for a nil err.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, op, message, err)
}

func Internal(message string) *Error {
	return build(CodeInternal, "", message, nil)
}

func Internalf(format string, args ...any) *Error {
	return build(CodeInternal, "", fmt.Sprintf(format, args...), nil)
}

func NotFound(resource string, id string) *Error {
	return build(CodeNotFound, "", resource+" not found: "+id, nil).
		WithField("resource", resource).
		WithField("id", id)
}

func Validation(message string) *Error {
	return build(CodeValidation, "", message, nil)
}

// ValidationField is a validation error naming the offending field.
func ValidationField(field string, message string) *Error {
	return build(CodeValidation, "", message, nil).WithField("field", field)
}

func Unavailable(service string) *Error {
	return build(CodeUnavailable, "", "service unavailable: "+service, nil).
		WithField("service", service)
}

// Cancelled marks an operation abandoned because of Stop, Abort or ctx.
func Cancelled(op string) *Error {
	return build(CodeCancelled, op, "operation cancelled", nil)
}

// ConnectionLost wraps a mid-operation I/O failure. err must be non-nil.
func ConnectionLost(err error, op string) *Error {
	return WrapWithCode(err, CodeConnectionLost, op, "connection lost")
}

// Protocol wraps a malformed or rejected reply.
func Protocol(err error, op string) *Error {
	return WrapWithCode(err, CodeProtocol, op, "protocol error")
}

func lookup(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// GetCode is the code of the outermost *Error in err's chain, or
// INTERNAL_ERROR when there is none.
func GetCode(err error) Code {
	if e, ok := lookup(err); ok {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	return GetCode(err).HTTPStatus()
}

func GetFields(err error) map[string]any {
	if e, ok := lookup(err); ok {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func IsValidation(err error) bool { return IsCode(err, CodeValidation) }

// IsConnectionLost reports whether err should be handed to the supervisor.
func IsConnectionLost(err error) bool { return IsCode(err, CodeConnectionLost) }

func IsCancelled(err error) bool { return IsCode(err, CodeCancelled) }

// IsFatal reports whether the supervisor gave up on the backing store.
func IsFatal(err error) bool { return IsCode(err, CodeFatalConnection) }

const maxFrames = 10

// captureStack records up to maxFrames non-runtime frames above its caller's
// caller.
func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	it := runtime.CallersFrames(pcs[:n])

	frames := make([]Frame, 0, maxFrames)
	for len(frames) < maxFrames {
		f, more := it.Next()
		if !strings.Contains(f.File, "runtime/") {
			frames = append(frames, Frame{File: f.File, Line: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return frames
}

func As(err error, target any) bool { return errors.As(err, target) }

func Is(err, target error) bool { return errors.Is(err, target) }
