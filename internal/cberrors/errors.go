// Package cberrors defines the stable error taxonomy surfaced to API
// clients. Every error carries a numeric code and a symbolic name that
// are part of the wire contract and must not change between releases.
package cberrors

import (
	"errors"
	"fmt"
)

// Error is a taxonomy error with a stable numeric code.
type Error struct {
	Code    int
	Name    string
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Name, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so wrapped instances compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinel taxonomy values. Compare with errors.Is.
var (
	ErrRoomNotFound          = &Error{Code: 2001, Name: "ROOM_NOT_FOUND", Message: "room not found"}
	ErrUserNotFound          = &Error{Code: 2002, Name: "USER_NOT_FOUND", Message: "user not found"}
	ErrMediaNotFound         = &Error{Code: 2003, Name: "MEDIA_NOT_FOUND", Message: "media not found"}
	ErrMediaInvalidType      = &Error{Code: 2004, Name: "MEDIA_INVALID_TYPE", Message: "invalid media type"}
	ErrMediaInvalidOperation = &Error{Code: 2005, Name: "MEDIA_INVALID_OPERATION", Message: "invalid operation for media"}
	ErrNoAvailableCodec      = &Error{Code: 2006, Name: "MEDIA_NO_AVAILABLE_CODEC", Message: "no available codec"}
	ErrServerRequestTimeout  = &Error{Code: 2007, Name: "MEDIA_SERVER_REQUEST_TIMEOUT", Message: "media server request timed out"}
	ErrServerGeneric         = &Error{Code: 2008, Name: "MEDIA_SERVER_GENERIC_ERROR", Message: "media server error"}
	ErrConnection            = &Error{Code: 2009, Name: "CONNECTION_ERROR", Message: "connection error"}
)

// Wrap returns a copy of the sentinel carrying cause and an optional
// message override. The code and name are preserved.
func Wrap(sentinel *Error, cause error, message string) *Error {
	msg := sentinel.Message
	if message != "" {
		msg = message
	}
	return &Error{Code: sentinel.Code, Name: sentinel.Name, Message: msg, Cause: cause}
}

// WithMessage returns a copy of the sentinel with a more specific message.
func WithMessage(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Name: sentinel.Name, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from any error chain. Unclassified
// errors map to MEDIA_SERVER_GENERIC_ERROR.
func CodeOf(err error) (int, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Name
	}
	return ErrServerGeneric.Code, ErrServerGeneric.Name
}
