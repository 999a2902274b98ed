// Package retry provides bounded exponential-backoff retry for the
// subsystem calls a live call depends on. Delays grow geometrically from a
// base, capped at a maximum, and only errors a classifier deems transient
// are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Executor retries an operation with exponential backoff. The zero value is
// not usable; construct with New.
type Executor struct {
	maxRetries    int
	baseDelay     time.Duration
	backoffFactor float64
	maxDelay      time.Duration
	retryable     Classifier
	sleep         func(context.Context, time.Duration) error
	onRetry       func(attempt int, delay time.Duration, err error)
}

// Option adjusts an Executor.
type Option func(*Executor)

// WithMaxRetries sets how many retries follow the initial attempt.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithBackoffFactor sets the geometric growth factor between delays.
func WithBackoffFactor(f float64) Option {
	return func(e *Executor) {
		if f >= 1 {
			e.backoffFactor = f
		}
	}
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

// WithClassifier replaces the default transient-error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.retryable = c
		}
	}
}

// WithOnRetry installs a callback observed before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New builds an Executor with the stock defaults: 3 retries, 1s base delay
// doubling each attempt, capped at 30s.
func New(opts ...Option) *Executor {
	e := &Executor{
		maxRetries:    3,
		baseDelay:     time.Second,
		backoffFactor: 2.0,
		maxDelay:      30 * time.Second,
		retryable:     IsTransient,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay returns the backoff before retry attempt (0-based), as
// min(base * factor^attempt, max).
func (e *Executor) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.baseDelay) * math.Pow(e.backoffFactor, float64(attempt)))
	if d > e.maxDelay || d < 0 {
		d = e.maxDelay
	}
	return d
}

// Do runs op up to maxRetries+1 times. It stops on the first success, on a
// non-retryable error, on context cancellation, or once the attempt budget
// is spent, in which case the last error is returned.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !e.retryable(lastErr) || attempt == e.maxRetries {
			return lastErr
		}
		delay := e.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt, delay, lastErr)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// DoValue runs op under e's policy and returns its result. On failure the
// zero value accompanies the last error.
func DoValue[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(c context.Context) error {
		v, err := op(c)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// StatusError carries an upstream HTTP-like status through the error chain
// so classifiers can retry on server-side and throttling statuses.
type StatusError struct {
	Status int
	Op     string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// transientMarkers are substrings that identify retryable failures when no
// structured signal is available.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"try again",
	"rate limit",
	"overloaded",
	"unavailable",
	"broken pipe",
}

// IsTransient is the default classifier. Network timeouts, 5xx and
// throttling statuses, and a small set of well-known transient message
// fragments are retryable; everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status >= 500:
			return true
		case se.Status == 429 || se.Status == 408:
			return true
		default:
			return false
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Extend returns a classifier that retries when base does, or when the
// error message contains any of the extra markers.
func Extend(base Classifier, markers ...string) Classifier {
	return func(err error) bool {
		if err == nil {
			return false
		}
		if base != nil && base(err) {
			return true
		}
		msg := strings.ToLower(err.Error())
		for _, marker := range markers {
			if strings.Contains(msg, strings.ToLower(marker)) {
				return true
			}
		}
		return false
	}
}

// Per-subsystem classifiers. Each extends the base classifier with message
// fragments the corresponding engine emits under transient load. Conflict
// errors such as an already-active response stay non-retryable; the caller
// owns that recovery.
var (
	ForTranscription = Extend(IsTransient, "audio stream reset", "decoder busy")
	ForTTS           = Extend(IsTransient, "synthesis queue full", "voice busy")
	ForGeneration    = Extend(IsTransient, "model overloaded", "server busy")
)
