package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// permanenter is implemented by errors that decide their own classification
// (access blocked, auth failures).
type permanenter interface {
	Permanent() bool
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Class is the retry classification of a failure.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassTransient failures may succeed later.
	ClassTransient
	// ClassPermanent failures will not succeed on retry.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// Classify decides whether err is permanent or transient. Errors that say so
// themselves win, then HTTP status, then network heuristics. Anything left
// over is transient: the persisted attempt cap still bounds it.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var p permanenter
	if errors.As(err, &p) {
		if p.Permanent() {
			return ClassPermanent
		}
		return ClassTransient
	}

	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if IsPermanentHTTPStatus(sc.HTTPStatus()) {
			return ClassPermanent
		}
		return ClassTransient
	}

	return ClassTransient
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, carries a retryable HTTP status, or matches common
// transient network patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var p permanenter
	if errors.As(err, &p) {
		return !p.Permanent()
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return IsTransientHTTPStatus(sc.HTTPStatus())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == 408, statusCode == 429:
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	default:
		return false
	}
}

// IsPermanentHTTPStatus returns true for client errors that will not change
// on retry (bad request, unauthorized, forbidden, not found, gone, ...).
func IsPermanentHTTPStatus(statusCode int) bool {
	if IsTransientHTTPStatus(statusCode) {
		return false
	}
	return statusCode >= 400 && statusCode <= 499
}
