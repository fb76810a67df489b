// Package retry wraps failsafe-go retry policies behind a small typed API.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Category classifies errors for retry decisions.
type Category int

const (
	// Fatal errors end the execution immediately.
	Fatal Category = iota
	// Retryable errors are attempted again until MaxAttempts is reached.
	Retryable
)

func (c Category) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Retryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first (minimum 1).
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps exponential backoff. Equal to BaseDelay means a fixed delay.
	MaxDelay time.Duration
	// Jitter is a random +/- duration applied to every delay.
	Jitter time.Duration
	// Classify decides whether an error is retryable. Nil means DefaultClassify.
	Classify func(error) Category
	// OnRetry runs before every attempt after the first with the failure that caused it.
	OnRetry func(attempt int, err error)
}

// Result is the typed outcome of Do.
type Result[T any] struct {
	Value    T
	Attempts int
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// DefaultClassify treats cancellation as fatal and everything else as retryable.
func DefaultClassify(err error) Category {
	if err == nil || errors.Is(err, context.Canceled) {
		return Fatal
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"not found", "invalid", "unauthorized", "forbidden"} {
		if strings.Contains(msg, pattern) {
			return Fatal
		}
	}
	return Retryable
}

// Do runs fn under the policy and reports the value, attempt count and final error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) Result[T] {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassify
	}

	builder := retrypolicy.NewBuilder[T]().
		WithMaxRetries(p.MaxAttempts - 1).
		HandleIf(func(_ T, err error) bool {
			return err != nil && classify(err) == Retryable
		})
	switch {
	case p.BaseDelay > 0 && p.MaxDelay > p.BaseDelay:
		builder = builder.WithBackoff(p.BaseDelay, p.MaxDelay)
	case p.BaseDelay > 0:
		builder = builder.WithDelay(p.BaseDelay)
	}
	if p.Jitter > 0 && p.Jitter < p.BaseDelay {
		builder = builder.WithJitter(p.Jitter)
	}

	var (
		attempts int
		lastErr  error
	)
	value, err := failsafe.With(builder.Build()).WithContext(ctx).Get(func() (T, error) {
		attempts++
		if attempts > 1 && p.OnRetry != nil {
			p.OnRetry(attempts, lastErr)
		}
		v, err := fn(ctx)
		lastErr = err
		return v, err
	})
	if err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("after %d attempts: %w", attempts, lastErr)
		}
		return Result[T]{Value: value, Attempts: attempts, Err: err}
	}
	return Result[T]{Value: value, Attempts: attempts}
}
