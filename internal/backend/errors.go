package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a backend failure. The kind alone decides retry policy:
// NETWORK_ERROR retries with bounded backoff, UNKNOWN_ERROR retries once,
// everything else is terminal.
type Kind string

const (
	AuthError        Kind = "AUTH_ERROR"
	ValidationError  Kind = "VALIDATION_ERROR"
	NetworkError     Kind = "NETWORK_ERROR"
	NotFound         Kind = "NOT_FOUND"
	PermissionDenied Kind = "PERMISSION_DENIED"
	UploadError      Kind = "UPLOAD_ERROR"
	UserExists       Kind = "USER_EXISTS"
	UnknownError     Kind = "UNKNOWN_ERROR"
)

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the queue may retry this failure at all.
func (e *Error) Retryable() bool {
	return e.Kind == NetworkError || e.Kind == UnknownError
}

// MaxAttempts returns how many delivery attempts this failure kind
// permits in total. Unknown errors get a single retry.
func (e *Error) MaxAttempts(configured int) int {
	switch e.Kind {
	case NetworkError:
		return configured
	case UnknownError:
		return 2
	default:
		return 1
	}
}

// Errf builds a classified error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify converts an arbitrary transport error into a classified Error.
// Timeouts, connection resets and cancelled contexts are network errors;
// anything unrecognized is unknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: NetworkError, Message: err.Error(), Cause: err}
	}
	return &Error{Kind: UnknownError, Message: err.Error(), Cause: err}
}

// ClassifyStatus maps an HTTP response status to an error kind.
// 2xx maps to nil.
func ClassifyStatus(status int) *Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &Error{Kind: AuthError, Message: http.StatusText(status)}
	case status == http.StatusForbidden:
		return &Error{Kind: PermissionDenied, Message: http.StatusText(status)}
	case status == http.StatusNotFound:
		return &Error{Kind: NotFound, Message: http.StatusText(status)}
	case status == http.StatusConflict:
		return &Error{Kind: UserExists, Message: http.StatusText(status)}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: ValidationError, Message: http.StatusText(status)}
	case status >= 500:
		return &Error{Kind: NetworkError, Message: http.StatusText(status)}
	default:
		return &Error{Kind: UnknownError, Message: http.StatusText(status)}
	}
}
