// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package retry provides retry policies for external-command invocations
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jontk/gridrun/pkg/errors"
)

// Policy defines the interface for retry policies
type Policy interface {
	// ShouldRetry determines if an operation should be retried
	ShouldRetry(ctx context.Context, err error, attempt int) bool

	// WaitTime returns the wait time before the next retry
	WaitTime(attempt int) time.Duration

	// MaxRetries returns the maximum number of retries
	MaxRetries() int
}

// ExponentialBackoff implements an exponential backoff retry policy
type ExponentialBackoff struct {
	maxRetries    int
	minWaitTime   time.Duration
	maxWaitTime   time.Duration
	backoffFactor float64
	jitter        bool
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		maxRetries:    3,
		minWaitTime:   1 * time.Second,
		maxWaitTime:   30 * time.Second,
		backoffFactor: 2.0,
		jitter:        true,
	}
}

// WithMaxRetries sets the maximum number of retries
func (e *ExponentialBackoff) WithMaxRetries(maxRetries int) *ExponentialBackoff {
	e.maxRetries = maxRetries
	return e
}

// WithMinWaitTime sets the minimum wait time
func (e *ExponentialBackoff) WithMinWaitTime(minWaitTime time.Duration) *ExponentialBackoff {
	e.minWaitTime = minWaitTime
	return e
}

// WithMaxWaitTime sets the maximum wait time
func (e *ExponentialBackoff) WithMaxWaitTime(maxWaitTime time.Duration) *ExponentialBackoff {
	e.maxWaitTime = maxWaitTime
	return e
}

// WithBackoffFactor sets the backoff factor
func (e *ExponentialBackoff) WithBackoffFactor(backoffFactor float64) *ExponentialBackoff {
	e.backoffFactor = backoffFactor
	return e
}

// WithJitter enables or disables jitter
func (e *ExponentialBackoff) WithJitter(jitter bool) *ExponentialBackoff {
	e.jitter = jitter
	return e
}

// ShouldRetry determines if an operation should be retried
func (e *ExponentialBackoff) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= e.maxRetries {
		return false
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return false
	default:
	}

	return retryable(err)
}

// WaitTime returns the wait time before the next retry
func (e *ExponentialBackoff) WaitTime(attempt int) time.Duration {
	if attempt <= 0 {
		return e.minWaitTime
	}

	// Calculate exponential backoff
	waitTime := time.Duration(float64(e.minWaitTime) * math.Pow(e.backoffFactor, float64(attempt-1)))

	// Apply maximum wait time
	if waitTime > e.maxWaitTime {
		waitTime = e.maxWaitTime
	}

	// Apply jitter if enabled
	if e.jitter {
		jitterAmount := time.Duration(rand.Float64() * float64(waitTime) * 0.1)
		waitTime += jitterAmount
	}

	return waitTime
}

// MaxRetries returns the maximum number of retries
func (e *ExponentialBackoff) MaxRetries() int {
	return e.maxRetries
}

// FixedDelay implements fixed delay retry policy
type FixedDelay struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedDelay creates a new fixed delay retry policy
func NewFixedDelay(maxRetries int, delay time.Duration) *FixedDelay {
	return &FixedDelay{
		maxRetries: maxRetries,
		delay:      delay,
	}
}

// ShouldRetry determines if an operation should be retried
func (f *FixedDelay) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= f.maxRetries {
		return false
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return false
	default:
	}

	return retryable(err)
}

// WaitTime returns the wait time before the next retry
func (f *FixedDelay) WaitTime(attempt int) time.Duration {
	return f.delay
}

// MaxRetries returns the maximum number of retries
func (f *FixedDelay) MaxRetries() int {
	return f.maxRetries
}

// NoRetry implements no retry policy
type NoRetry struct{}

// NewNoRetry creates a new no retry policy
func NewNoRetry() *NoRetry {
	return &NoRetry{}
}

// ShouldRetry always returns false
func (n *NoRetry) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	return false
}

// WaitTime returns zero duration
func (n *NoRetry) WaitTime(attempt int) time.Duration {
	return 0
}

// MaxRetries returns zero
func (n *NoRetry) MaxRetries() int {
	return 0
}

// retryable reports whether an error is worth retrying. Structured grid
// errors decide via their own retryability flag; timeouts always qualify.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsTimeout(err) {
		return true
	}
	var gridErr *errors.GridError
	if errors.As(err, &gridErr) {
		return gridErr.IsRetryable()
	}
	return false
}
