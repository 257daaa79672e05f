package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrUnavailable ErrorKind = "unavailable"
	ErrConnection  ErrorKind = "connection"
	ErrPermission  ErrorKind = "permission"
	ErrValidation  ErrorKind = "validation"
	ErrNotFound    ErrorKind = "not_found"
	ErrConflict    ErrorKind = "conflict"
	ErrCancelled   ErrorKind = "cancelled"
	ErrUnknown     ErrorKind = "unknown"
)

// ErrNoOpUpdate is returned by a ticket store when the update left the
// ticket unchanged. The applier treats it as success.
var ErrNoOpUpdate = errors.New("update was a no-op")

// ErrorDetail is the classified failure of a single store call.
type ErrorDetail struct {
	Kind       ErrorKind `json:"kind"`
	Transient  bool      `json:"transient"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
}

func (e *ErrorDetail) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable is true for the failures the applier may attempt once more.
func (e *ErrorDetail) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrRateLimited, ErrUnavailable:
		return true
	}
	return false
}

// Fatal marks connection-level failures that end the processing phase.
func (e *ErrorDetail) Fatal() bool {
	return e.Kind == ErrConnection
}

func NewErrorDetail(kind ErrorKind, status int, msg string) *ErrorDetail {
	return &ErrorDetail{Kind: kind, Transient: kind.transient(), StatusCode: status, Message: msg}
}

func (k ErrorKind) transient() bool {
	switch k {
	case ErrTimeout, ErrRateLimited, ErrUnavailable, ErrConnection, ErrConflict, ErrCancelled:
		return true
	}
	return false
}

// KindForStatus maps an HTTP-style status code onto the error taxonomy.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 400 || status == 422:
		return ErrValidation
	case status == 401 || status == 403:
		return ErrPermission
	case status == 404:
		return ErrNotFound
	case status == 408 || status == 504:
		return ErrTimeout
	case status == 409 || status == 412:
		return ErrConflict
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrUnavailable
	}
	return ErrUnknown
}

// Classify converts any store error into an ErrorDetail. Errors already
// carrying a detail are returned as-is.
func Classify(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewErrorDetail(ErrCancelled, 0, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return NewErrorDetail(ErrTimeout, 0, err.Error())
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EHOSTUNREACH):
		return NewErrorDetail(ErrConnection, 0, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewErrorDetail(ErrTimeout, 0, err.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewErrorDetail(ErrConnection, 0, err.Error())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewErrorDetail(ErrConnection, 0, err.Error())
	}
	return NewErrorDetail(ErrUnknown, 0, err.Error())
}
