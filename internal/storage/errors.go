package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotFound  = errors.New("object not found")
	ErrAuth      = errors.New("object store credentials rejected")
	ErrTransient = errors.New("transient object store failure")
	ErrClosed    = errors.New("object store client is closed")
)

// Error is returned by every backend operation. Kind is one of ErrNotFound,
// ErrAuth or ErrTransient, or nil when the failure could not be classified;
// unclassified failures are not retried.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func NewError(op, key string, kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg = fmt.Sprintf("%s %q", e.Op, e.Key)
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func wrap(op, key string, err error, classify func(error) error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := classifyCommon(err)
	if kind == nil && classify != nil {
		kind = classify(err)
	}
	return NewError(op, key, kind, err)
}

// classifyCommon recognises failures that look the same on every backend.
func classifyCommon(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == 404:
		return ErrNotFound
	case status == 401 || status == 403:
		return ErrAuth
	case status == 408 || status == 429 || status >= 500:
		return ErrTransient
	default:
		return nil
	}
}

func classifyCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"ExpiredToken", "ExpiredTokenException", "InvalidToken", "TokenRefreshRequired":
		return ErrAuth
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout",
		"RequestTimeoutException", "Throttling", "ThrottlingException":
		return ErrTransient
	default:
		return nil
	}
}
