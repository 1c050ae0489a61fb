package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var errTransient = errors.New("503 Service Unavailable")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), isTransient, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected 'ok', got %q", got)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), isTransient, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	bad := errors.New("400 Bad Request")
	_, err := Do(context.Background(), fastPolicy(3), isTransient, func(ctx context.Context) (int, error) {
		calls++
		return 0, bad
	})
	if !errors.Is(err, bad) {
		t.Fatalf("expected wrapped original error, got %v", err)
	}
	if !strings.Contains(err.Error(), "non-retryable") {
		t.Errorf("expected 'non-retryable' in error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retries), got %d", calls)
	}
}

func TestDo_RespectsMaxRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), isTransient, func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got: %v", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("expected last error to be wrapped, got: %v", err)
	}
	// initial + 2 retries
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(0), isTransient, func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, fastPolicy(3), isTransient, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.Timeout = 10 * time.Millisecond
	calls := 0
	_, err := Do(context.Background(), p, func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		func(ctx context.Context) (int, error) {
			calls++
			<-ctx.Done()
			return 0, ctx.Err()
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (timeout is retryable), got %d", calls)
	}
}

type hintedErr struct{ wait time.Duration }

func (e *hintedErr) Error() string             { return "429 Too Many Requests" }
func (e *hintedErr) RetryDelay() time.Duration { return e.wait }

func TestDo_HonoursRetryAfterHint(t *testing.T) {
	hint := &hintedErr{wait: 300 * time.Millisecond}
	var first time.Time
	var gap time.Duration
	calls := 0
	got, err := Do(context.Background(), fastPolicy(2), func(error) bool { return true }, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			first = time.Now()
			return 0, hint
		}
		gap = time.Since(first)
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("got %d, %v", got, err)
	}
	if gap < hint.wait {
		t.Errorf("retried after %v, server asked for %v", gap, hint.wait)
	}
}

func TestDo_ExhaustedAfterHintKeepsCause(t *testing.T) {
	hint := &hintedErr{wait: 2 * time.Millisecond}
	_, err := Do(context.Background(), fastPolicy(1), func(error) bool { return true }, func(ctx context.Context) (int, error) {
		return 0, hint
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	var h *hintedErr
	if !errors.As(err, &h) {
		t.Errorf("cause lost: %v", err)
	}
}
