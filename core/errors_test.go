package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrTimeout is retryable",
			err:      ErrTimeout,
			expected: true,
		},
		{
			name:     "ErrConnectionFailed is retryable",
			err:      ErrConnectionFailed,
			expected: true,
		},
		{
			name:     "transient kind is retryable",
			err:      NewError("store.Get", KindTransient, errors.New("redis timeout")),
			expected: true,
		},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("operation failed: %w", ErrTimeout),
			expected: true,
		},
		{
			name:     "ErrRunNotFound is not retryable",
			err:      ErrRunNotFound,
			expected: false,
		},
		{
			name:     "validation kind is not retryable",
			err:      NewError("key.Parse", KindValidation, errors.New("bad key")),
			expected: false,
		},
		{
			name:     "custom error is not retryable",
			err:      errors.New("custom error"),
			expected: false,
		},
		{
			name:     "nil error is not retryable",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "run not found", err: ErrRunNotFound, expected: true},
		{name: "job not found", err: ErrJobNotFound, expected: true},
		{name: "record not found", err: ErrRecordNotFound, expected: true},
		{name: "signing key not found", err: ErrSigningKeyNotFound, expected: true},
		{name: "wrapped not found", err: fmt.Errorf("lookup: %w", ErrRunNotFound), expected: true},
		{name: "not-found kind", err: NewError("runs.Get", KindNotFound, errors.New("missing")), expected: true},
		{name: "connection failure is not a not-found", err: ErrConnectionFailed, expected: false},
		{name: "nil", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := NewError("queue.Enqueue", KindTransient, inner).WithID("job-1")

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("expected errors.As to extract *Error")
	}
	if ce.Kind != KindTransient {
		t.Errorf("Kind = %v, want %v", ce.Kind, KindTransient)
	}
	if ce.ID != "job-1" {
		t.Errorf("ID = %q, want %q", ce.ID, "job-1")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op with id and cause",
			err:  NewError("runs.Update", KindStore, errors.New("write failed")).WithID("run-7"),
			want: "runs.Update [run-7]: write failed",
		},
		{
			name: "op with cause",
			err:  NewError("runs.Update", KindStore, errors.New("write failed")),
			want: "runs.Update: write failed",
		},
		{
			name: "message only",
			err:  &Error{Kind: KindValidation, Message: "scopes must not be empty"},
			want: "scopes must not be empty",
		},
		{
			name: "kind only",
			err:  &Error{Kind: KindPolicyDenied},
			want: "policy_denied error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewError("x", KindConflict, nil)); got != KindConflict {
		t.Errorf("KindOf = %v, want %v", got, KindConflict)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
	wrapped := fmt.Errorf("outer: %w", NewError("y", KindSignature, nil))
	if got := KindOf(wrapped); got != KindSignature {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindSignature)
	}
}
