package attachretry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("attach: %w", context.DeadlineExceeded), true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"net timeout", timeoutErr{}, true},
		{"retryable text", errors.New("host temporarily unavailable"), true},
		{"protocol error", errors.New("unknown subject"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.retryable {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.retryable)
			}
		})
	}
}

func TestRetryableText(t *testing.T) {
	t.Parallel()

	if !RetryableText("Attach timed out waiting for session") {
		t.Fatal("expected timeout text to be retryable")
	}
	if RetryableText("subject not found") {
		t.Fatal("expected protocol error text to be terminal")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	if got := Backoff(0); got != 250*time.Millisecond {
		t.Fatalf("Backoff(0) = %v, want 250ms", got)
	}
	if got := Backoff(2); got != time.Second {
		t.Fatalf("Backoff(2) = %v, want 1s", got)
	}
	if got := Backoff(10); got != 4*time.Second {
		t.Fatalf("Backoff(10) = %v, want 4s cap", got)
	}
	if got := Backoff(-1); got != Backoff(0) {
		t.Fatalf("Backoff(-1) = %v, want same as Backoff(0)", got)
	}
}

func TestAwaitReturnsResult(t *testing.T) {
	t.Parallel()

	got, err := Await(context.Background(), time.Second, "attach", func(_ context.Context) (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	_, err := Await(context.Background(), 20*time.Millisecond, "attach", func(_ context.Context) (int, error) {
		<-block
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !strings.Contains(err.Error(), "attach") {
		t.Fatalf("expected op name in error, got %v", err)
	}
}

func TestAwaitPropagatesFnError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	_, err := Await(context.Background(), time.Second, "attach", func(_ context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}
}
