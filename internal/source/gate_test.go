package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// fastGate builds a gate with millisecond delays so tests do not sleep
func fastGate(maxAttempts int) *Gate {
	return &Gate{
		sem:     semaphore.NewWeighted(2),
		spacing: rate.NewLimiter(rate.Inf, 1),
		state:   NewLimitState(),
		policy: RetryPolicy{
			Floors: []time.Duration{time.Millisecond},
			Cap:    5 * time.Millisecond,
			Margin: time.Millisecond,
		},
		maxAttempts: maxAttempts,
		logger:      zap.NewNop(),
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	g := fastGate(4)
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoSurfacesErrorAfterExhaustion(t *testing.T) {
	g := fastGate(2)
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return &TransientError{Err: errors.New("still down")}
	})
	if err == nil {
		t.Fatal("Do() returned nil after exhausting retries")
	}
	if !IsRetryable(err) {
		t.Errorf("surfaced error lost its type: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	g := fastGate(4)
	permanent := errors.New("bad request")
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestDoSetsSharedLimitState(t *testing.T) {
	g := fastGate(2)
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		return &RateLimitError{RetryAfter: 50 * time.Millisecond}
	})
	if err == nil {
		t.Fatal("Do() returned nil while rate limited")
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("surfaced error is not a rate limit: %v", err)
	}
	if !g.State().IsLimited() {
		t.Error("shared limit state not set after rate-limit response")
	}
}

func TestDoRespectsCancelledContext(t *testing.T) {
	g := fastGate(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Do(ctx, "test", func(ctx context.Context) error {
		t.Error("fn ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &RateLimitError{}, true},
		{"transient", &TransientError{Err: errors.New("x")}, true},
		{"wrapped transient", fmt.Errorf("call failed: %w", &TransientError{Err: errors.New("x")}), true},
		{"plain error", errors.New("nope"), false},
		{"not found", ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
