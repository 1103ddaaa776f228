// Package errs defines the standardized error taxonomy emitted to clients.
//
// Every handler error is coerced into an *Error before it leaves the server,
// so clients always receive the same structured fields.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Type classifies an error.
type Type string

const (
	TypeValidation Type = "ValidationError"
	TypePermission Type = "PermissionError"
	TypeNotFound   Type = "NotFoundError"
	TypeServer     Type = "ServerError"
)

// Error codes carried in the error_code field.
const (
	CodeDataInvalid        = "DATA_INVALID"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeSessionInvalid     = "SESSION_INVALID"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeServerNotFound     = "SERVER_NOT_FOUND"
	CodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	CodeMemberNotFound     = "MEMBER_NOT_FOUND"
	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeServerLimit        = "SERVER_LIMIT_REACHED"
	CodeChannelFull        = "CHANNEL_IS_FULL"
	CodePasswordInvalid    = "PASSWORD_INVALID"
	CodeMemberExists       = "MEMBER_EXISTS"
	CodeException          = "EXCEPTION_ERROR"
	CodeServerError        = "SERVER_ERROR"
)

// Error is a client-facing error. Its JSON form is the payload of the
// outbound "error" event.
type Error struct {
	Message string `json:"error_message"`
	Type    Type   `json:"error_type"`
	Source  string `json:"error_source"`
	Code    string `json:"error_code"`
	Status  int    `json:"status_code"`
	cause   error
}

func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by Type and Code, so errors.Is works against the
// package-level templates below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithSource returns a copy of e attributed to source.
func (e *Error) WithSource(source string) *Error {
	c := *e
	c.Source = source
	return &c
}

func newError(typ Type, status int, source, code, format string, args ...any) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Type:    typ,
		Source:  source,
		Code:    code,
		Status:  status,
	}
}

// Validation reports a missing or malformed payload.
func Validation(source, code, format string, args ...any) *Error {
	return newError(TypeValidation, http.StatusBadRequest, source, code, format, args...)
}

// Permission reports a failed authorization check.
func Permission(source, format string, args ...any) *Error {
	return newError(TypePermission, http.StatusForbidden, source, CodePermissionDenied, format, args...)
}

// NotFound reports a missing entity; code names the entity (e.g. CodeChannelNotFound).
func NotFound(source, code, format string, args ...any) *Error {
	return newError(TypeNotFound, http.StatusNotFound, source, code, format, args...)
}

// Unauthorized reports an invalid session or token.
func Unauthorized(source, code, format string, args ...any) *Error {
	return newError(TypeValidation, http.StatusUnauthorized, source, code, format, args...)
}

// Server wraps an unexpected collaborator failure.
func Server(source string, err error) *Error {
	e := newError(TypeServer, http.StatusInternalServerError, source, CodeException, "%s", err.Error())
	e.cause = err
	return e
}

// Coerce converts any error into an *Error. Errors already in the taxonomy
// keep their fields (gaining source if they have none); anything else
// becomes a ServerError carrying the original message.
func Coerce(err error, source string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Source == "" {
			return e.WithSource(source)
		}
		return e
	}
	return Server(source, err)
}

// Templates for errors.Is checks.
var (
	ErrDataInvalid      = &Error{Type: TypeValidation, Code: CodeDataInvalid}
	ErrPermissionDenied = &Error{Type: TypePermission, Code: CodePermissionDenied}
	ErrSessionInvalid   = &Error{Type: TypeValidation, Code: CodeSessionInvalid}
	ErrTokenInvalid     = &Error{Type: TypeValidation, Code: CodeTokenInvalid}
	ErrChannelNotFound  = &Error{Type: TypeNotFound, Code: CodeChannelNotFound}
	ErrServerNotFound   = &Error{Type: TypeNotFound, Code: CodeServerNotFound}
	ErrServerLimit      = &Error{Type: TypeValidation, Code: CodeServerLimit}
)
