package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// RetryPolicy defines retry behavior for a task.
type RetryPolicy struct {
	MaxRetries   int // Retries after the first attempt
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0 to 1.0
	Multiplier   float64 // Exponential factor
}

// DefaultRetryPolicy returns the default task retry policy: two retries, doubling from one second.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   2,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
		Multiplier:   2.0,
	}
}

// RetryPolicyOption configures a retry policy.
type RetryPolicyOption func(*RetryPolicy)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.MaxRetries = n
	}
}

// WithBaseDelay sets the initial delay.
func WithBaseDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = d
	}
}

// WithMaxDelay sets the maximum delay.
func WithMaxDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.MaxDelay = d
	}
}

// WithJitter sets the jitter factor.
func WithJitter(factor float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.JitterFactor = factor
	}
}

// WithMultiplier sets the exponential multiplier.
func WithMultiplier(m float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.Multiplier = m
	}
}

// NewRetryPolicy creates a new retry policy.
func NewRetryPolicy(opts ...RetryPolicyOption) *RetryPolicy {
	p := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Override returns a copy of the policy with a task's retry settings applied.
func (p *RetryPolicy) Override(cfg *core.RetryConfig) *RetryPolicy {
	cp := *p
	if cfg == nil {
		return &cp
	}
	cp.MaxRetries = cfg.MaxRetries
	if cfg.BaseDelay > 0 {
		cp.BaseDelay = cfg.BaseDelay
	}
	return &cp
}

// RetryableFunc is a function that can be retried. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryHooks customise the retry loop.
type RetryHooks struct {
	// ShouldRetry decides whether a failed attempt is retried. Defaults to core.IsRetryable.
	ShouldRetry func(attempt int, err error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
	// MaxAttempts caps total attempts; zero means MaxRetries+1.
	MaxAttempts int
}

// Execute runs the function with retry logic.
func (p *RetryPolicy) Execute(ctx context.Context, fn RetryableFunc) error {
	return p.ExecuteWithHooks(ctx, fn, RetryHooks{})
}

// ExecuteWithHooks runs fn until it succeeds, fails permanently, or attempts run out.
func (p *RetryPolicy) ExecuteWithHooks(ctx context.Context, fn RetryableFunc, hooks RetryHooks) error {
	maxAttempts := hooks.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxRetries + 1
	}
	shouldRetry := hooks.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(_ int, err error) bool { return core.IsRetryable(err) }
	}

	var lastErr error
	retries := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(attempt, err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		retries++
		delay := p.CalculateDelay(retries)
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &RetryExhaustedError{
		Attempts: maxAttempts,
		LastErr:  lastErr,
	}
}

// CalculateDelay computes the delay before retry number n (1-based).
func (p *RetryPolicy) CalculateDelay(retry int) time.Duration {
	delay := p.CalculateDelayNoJitter(retry)
	if p.JitterFactor > 0 {
		return time.Duration(addJitter(float64(delay), p.JitterFactor))
	}
	return delay
}

// CalculateDelayNoJitter computes the delay without jitter (for testing).
func (p *RetryPolicy) CalculateDelayNoJitter(retry int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(retry-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// addJitter adds random jitter to a delay.
func addJitter(delay float64, factor float64) float64 {
	jitter := delay * factor
	// Random value between -jitter and +jitter
	randomJitter := (rand.Float64()*2 - 1) * jitter
	return delay + randomJitter
}

// RetryExhaustedError indicates all retry attempts failed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}
