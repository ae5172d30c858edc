package venue

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsPostOnlyReject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrPostOnlyReject, true},
		{"wrapped sentinel", fmt.Errorf("lighter: %w", ErrPostOnlyReject), true},
		{"venue message", errors.New("POST_ONLY failure"), true},
		{"okx code", errors.New("err 51020: order failed"), true},
		{"bybit code", errors.New("code 170193"), true},
		{"would execute", errors.New("order would execute immediately"), true},
		{"unrelated", errors.New("insufficient funds"), false},
	}

	for _, tt := range tests {
		if got := IsPostOnlyReject(tt.err); got != tt.want {
			t.Errorf("IsPostOnlyReject(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient struct", &TransientError{Venue: "lighter", Op: "place", Err: errors.New("x")}, true},
		{"wrapped transient", fmt.Errorf("op: %w", &TransientError{Venue: "a", Op: "b", Err: errors.New("x")}), true},
		{"permanent struct", &PermanentError{Venue: "lighter", Op: "place", Failures: 5, Err: errors.New("x")}, false},
		{"timeout message", errors.New("request timed out"), true},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"bad gateway", errors.New("unexpected status 502"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"domain error", errors.New("order rejected: reduce-only violation"), false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	te := &TransientError{Venue: "aster", Op: "cancel", Err: base}
	if !errors.Is(te, base) {
		t.Error("TransientError should unwrap to its cause")
	}

	pe := &PermanentError{Venue: "aster", Op: "cancel", Failures: 5, Err: te}
	var gotTE *TransientError
	if !errors.As(pe, &gotTE) {
		t.Error("PermanentError should expose the wrapped TransientError via As")
	}
	// IsTransient checks PermanentError first, so a permanent wrapper wins.
	if IsTransient(pe) {
		t.Error("PermanentError must not classify as transient")
	}
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	if !IsUnsupported(fmt.Errorf("venue: %w", ErrUnsupported)) {
		t.Error("wrapped ErrUnsupported not detected")
	}
	if !IsNotFound(fmt.Errorf("venue: %w: c-1", ErrOrderNotFound)) {
		t.Error("wrapped ErrOrderNotFound not detected")
	}
	if !IsStaleQuote(fmt.Errorf("venue: %w", ErrStaleQuote)) {
		t.Error("wrapped ErrStaleQuote not detected")
	}
	if IsUnsupported(errors.New("other")) || IsNotFound(nil) || IsStaleQuote(nil) {
		t.Error("helpers must not match unrelated errors")
	}
}
