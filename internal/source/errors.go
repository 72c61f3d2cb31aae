package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
)

// AccessBlockedError means the source actively refused automated access.
// It is flagged for operator review and never retried.
type AccessBlockedError struct {
	Source     string
	URL        string
	StatusCode int
	Block      BlockType
	CostUSD    float64
}

func (e *AccessBlockedError) Error() string {
	return fmt.Sprintf("%s: access blocked (%s, status %d) at %s", e.Source, e.Block, e.StatusCode, e.URL)
}

// Permanent reports true: retrying a blocked source only deepens the block.
func (e *AccessBlockedError) Permanent() bool { return true }

// IncurredCost returns the spend already made before the block.
func (e *AccessBlockedError) IncurredCost() float64 { return e.CostUSD }

// TimeoutError means a lookup exceeded its time bound.
type TimeoutError struct {
	Source       string
	Timeout      time.Duration
	HighPriority bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Source, e.Timeout)
}

// Permanent reports false: timeouts are transient.
func (e *TimeoutError) Permanent() bool { return false }

// AuthError is a credential or CAPTCHA-solving failure. CostUSD carries any
// spend already incurred so it can still be charged.
type AuthError struct {
	Source  string
	Reason  string
	CostUSD float64
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Source, e.Reason)
}

// Permanent reports true.
func (e *AuthError) Permanent() bool { return true }

// IncurredCost returns the spend already made.
func (e *AuthError) IncurredCost() float64 { return e.CostUSD }

// StatusError is an unexpected HTTP status from a source.
type StatusError struct {
	Source     string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Source, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

type statusCoder interface {
	HTTPStatus() int
}

type costCarrier interface {
	IncurredCost() float64
}

// IncurredCost returns the spend carried by err, if any.
func IncurredCost(err error) float64 {
	var cc costCarrier
	if errors.As(err, &cc) {
		return cc.IncurredCost()
	}
	return 0
}

// FromHTTPError converts a client error carrying an HTTP status into this
// package's taxonomy: 401/407 become AuthError, other statuses StatusError.
// Errors without a status are returned unchanged.
func FromHTTPError(src string, err error) error {
	if err == nil {
		return nil
	}
	var sc statusCoder
	if !errors.As(err, &sc) {
		return err
	}
	switch code := sc.HTTPStatus(); code {
	case http.StatusUnauthorized, http.StatusProxyAuthRequired:
		return &AuthError{Source: src, Reason: fmt.Sprintf("status %d", code)}
	default:
		return &StatusError{Source: src, StatusCode: code, Err: err}
	}
}

// Kind maps a lookup error to the attempt error kind recorded in stats.
func Kind(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorNone
	}
	var blocked *AccessBlockedError
	if errors.As(err, &blocked) {
		return model.ErrorBlocked
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return model.ErrorAuth
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return model.ErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorTimeout
	}
	if resilience.Classify(err) == resilience.ClassPermanent {
		return model.ErrorPermanent
	}
	return model.ErrorTransient
}
