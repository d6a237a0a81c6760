// Package attachretry provides the retry policy for stream attach calls:
// classifying failures as retryable or terminal, computing capped exponential
// backoff delays, and bounding blocking calls with a deadline.
package attachretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

const (
	// baseDelay is the backoff delay before the first reattempt.
	baseDelay = 250 * time.Millisecond
	// maxDelay caps the exponential backoff.
	maxDelay = 4 * time.Second
)

// Retryable reports whether an attach failure is worth another attempt.
// Timeouts, dropped connections, and transient transport conditions are
// retryable; anything else (malformed responses, rejected subjects) is
// surfaced to the caller immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		// Superseded work, not a transport failure: retrying would race
		// the attempt that replaced us.
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return RetryableText(err.Error())
}

// RetryableText classifies an error message carried inside an attach
// response. The host reports transient conditions in free text, so this is a
// marker scan rather than a type check.
func RetryableText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"unavailable",
		"temporar", // temporary / temporarily
		"try again",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before reattempting, for a zero-based attempt
// index. Doubles per attempt from baseDelay, capped at maxDelay.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// Await runs fn under a deadline. If fn does not return in time, Await
// returns the deadline error and the late result is discarded. The op name
// is included in the timeout error for log context.
func Await[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so a late fn return never leaks the goroutine.
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
