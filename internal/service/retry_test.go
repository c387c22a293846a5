package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

func TestRetryPolicy_Execute_Success(t *testing.T) {
	policy := NewRetryPolicy(WithMaxRetries(2))

	callCount := 0
	err := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestRetryPolicy_Execute_SuccessAfterRetry(t *testing.T) {
	policy := NewRetryPolicy(
		WithMaxRetries(2),
		WithBaseDelay(time.Millisecond),
	)

	var attempts []int
	err := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return core.ErrRateLimit("rate limited")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRetryPolicy_Execute_NonRetryable(t *testing.T) {
	policy := NewRetryPolicy(WithMaxRetries(2))

	callCount := 0
	nonRetryableErr := core.ErrFatal(core.CodeAgentFailed, "bad request")

	err := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		callCount++
		return nonRetryableErr
	})

	if !errors.Is(err, nonRetryableErr) {
		t.Errorf("Execute() error = %v, want %v", err, nonRetryableErr)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (should not retry non-retryable errors)", callCount)
	}
}

func TestRetryPolicy_Execute_Exhausted(t *testing.T) {
	policy := NewRetryPolicy(
		WithMaxRetries(2),
		WithBaseDelay(time.Millisecond),
	)

	callCount := 0
	err := policy.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		callCount++
		return core.ErrTimeout("timeout")
	})

	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}

	var exhaustedErr *RetryExhaustedError
	if !errors.As(err, &exhaustedErr) {
		t.Fatalf("error should be RetryExhaustedError, got %v", err)
	}
	if exhaustedErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhaustedErr.Attempts)
	}
	if core.ErrorKind(err) != core.CodeTimeout {
		t.Errorf("ErrorKind = %s, want %s", core.ErrorKind(err), core.CodeTimeout)
	}
}

func TestRetryPolicy_ExecuteWithHooks(t *testing.T) {
	policy := NewRetryPolicy(WithBaseDelay(time.Millisecond), WithJitter(0))

	var retried []int
	hooks := RetryHooks{
		MaxAttempts: 5,
		ShouldRetry: func(attempt int, err error) bool { return attempt < 2 },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retried = append(retried, attempt)
			if delay != time.Millisecond {
				t.Errorf("delay = %v, want 1ms", delay)
			}
		},
	}

	callCount := 0
	err := policy.ExecuteWithHooks(context.Background(), func(ctx context.Context, attempt int) error {
		callCount++
		return core.ErrFatal(core.CodeAgentFailed, "always")
	}, hooks)

	if err == nil {
		t.Fatal("ExecuteWithHooks() should fail")
	}
	if IsRetryExhausted(err) {
		t.Error("a refused retry should return the error itself")
	}
	if callCount != 2 {
		t.Errorf("callCount = %d, want 2", callCount)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("OnRetry calls = %v, want [1]", retried)
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	policy := NewRetryPolicy(
		WithMaxRetries(5),
		WithBaseDelay(time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Execute(ctx, func(ctx context.Context, attempt int) error {
			callCount++
			return core.ErrTimeout("timeout")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	policy := NewRetryPolicy(
		WithBaseDelay(time.Second),
		WithMaxDelay(30*time.Second),
		WithMultiplier(2.0),
		WithJitter(0),
	)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := policy.CalculateDelay(tt.retry); got != tt.want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	policy := NewRetryPolicy(WithBaseDelay(time.Second), WithJitter(0.5))

	for i := 0; i < 50; i++ {
		d := policy.CalculateDelay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("CalculateDelay(1) = %v, want within 50%% of 1s", d)
		}
	}
}

func TestRetryPolicy_Override(t *testing.T) {
	base := NewRetryPolicy(WithMaxRetries(2), WithBaseDelay(time.Second))

	same := base.Override(nil)
	if same == base || same.MaxRetries != 2 {
		t.Errorf("Override(nil) = %+v, want an equal copy", same)
	}

	custom := base.Override(&core.RetryConfig{MaxRetries: 0, BaseDelay: 10 * time.Millisecond})
	if custom.MaxRetries != 0 || custom.BaseDelay != 10*time.Millisecond {
		t.Errorf("Override() = %+v", custom)
	}
	if base.MaxRetries != 2 {
		t.Error("Override() must not modify the base policy")
	}
}
