package resilience

import (
	"math"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// BackoffPolicy governs retries across runs, keyed off state persisted on
// the item row rather than in-process timers.
type BackoffPolicy struct {
	// MaxAttempts caps failed attempts before an item is given up on. Default: 3.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles with every
	// further failure. Default: 1h.
	BaseDelay time.Duration
}

// DefaultBackoffPolicy returns the default cross-run retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Hour
	}
	return p
}

// Delay is the wait required after the given number of failed attempts:
// base * 2^(attempts-1), so one failure waits exactly one base delay.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	p = p.withDefaults()
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(exp))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Eligible reports whether an item with state s may be retried at now.
func (p BackoffPolicy) Eligible(s model.RetryState, now time.Time) bool {
	p = p.withDefaults()
	if s.PermanentlyFailed || s.Attempts >= p.MaxAttempts {
		return false
	}
	if s.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*s.LastAttemptAt) >= p.Delay(s.Attempts)
}

// NextEligibleAt returns when the item becomes eligible, or nil if it never
// will. A zero time means eligible now.
func (p BackoffPolicy) NextEligibleAt(s model.RetryState) *time.Time {
	p = p.withDefaults()
	if s.PermanentlyFailed || s.Attempts >= p.MaxAttempts {
		return nil
	}
	var at time.Time
	if s.LastAttemptAt != nil {
		at = s.LastAttemptAt.Add(p.Delay(s.Attempts))
	}
	return &at
}

// RecordFailure returns s updated for a failed attempt at now. Permanent
// errors flag the item at once; transient ones only when attempts reach
// the cap.
func (p BackoffPolicy) RecordFailure(s model.RetryState, err error, now time.Time) model.RetryState {
	p = p.withDefaults()
	s.Attempts++
	t := now
	s.LastAttemptAt = &t
	if err != nil {
		s.LastError = err.Error()
	}
	if IsPermanent(err) || s.Attempts >= p.MaxAttempts {
		s.PermanentlyFailed = true
	}
	return s
}

// RecordSuccess returns the cleared state for a successful attempt.
func (p BackoffPolicy) RecordSuccess(now time.Time) model.RetryState {
	t := now
	return model.RetryState{LastAttemptAt: &t}
}
