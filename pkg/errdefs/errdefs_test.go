package errdefs

import (
	"context"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"bare sentinel", ErrNotFound, KindNotFound},
		{"wrapped once", fmt.Errorf("record %s: %w", "r1", ErrForbidden), KindForbidden},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrIntegrityViolation)), KindIntegrityViolation},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindTimeout},
		{"unclassified", fmt.Errorf("something odd"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"dependency unavailable", fmt.Errorf("probe: %w", ErrDependencyUnavailable), true},
		{"timeout", fmt.Errorf("submit: %w", ErrTimeout), true},
		{"integrity never retried", fmt.Errorf("hash: %w", ErrIntegrityViolation), false},
		{"forbidden", ErrForbidden, false},
		{"storage surfaced as-is", ErrStorage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
