package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped explicit", fmt.Errorf("api call failed: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"regular", errors.New("invalid input: missing field"), false},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"deadline", fmt.Errorf("lookup: %w", context.DeadlineExceeded), true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"tls text", errors.New("net/http: TLS handshake timeout"), true},
		{"status 503", &fakeStatusErr{status: 503}, true},
		{"status 404", &fakeStatusErr{status: 404}, false},
		{"blocked", &fakeBlockedErr{}, false},
		{"source timeout", &fakeTimeoutErr{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 599} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
		if IsPermanentHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be permanent", code)
		}
	}
	for _, code := range []int{400, 401, 403, 404, 410, 422} {
		if !IsPermanentHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be permanent", code)
		}
	}
	for _, code := range []int{200, 301} {
		if IsTransientHTTPStatus(code) || IsPermanentHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be neither", code)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"not found", &fakeStatusErr{status: 404}, ClassPermanent},
		{"bad request", fmt.Errorf("wrapped: %w", &fakeStatusErr{status: 400}), ClassPermanent},
		{"unauthorized", &fakeStatusErr{status: 401}, ClassPermanent},
		{"server error", &fakeStatusErr{status: 502}, ClassTransient},
		{"blocked", &fakeBlockedErr{}, ClassPermanent},
		{"timeout", &fakeTimeoutErr{}, ClassTransient},
		{"explicit transient", NewTransientError(errors.New("x"), 0), ClassTransient},
		{"unknown", errors.New("something odd"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("unexpected message %q", te.Error())
	}
}

func TestClass_String(t *testing.T) {
	if ClassTransient.String() != "transient" || ClassPermanent.String() != "permanent" || ClassNone.String() != "none" {
		t.Error("unexpected class names")
	}
}
