package retry_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"briefcast/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Timeout: time.Second}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	var calls int32
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("upstream 503")
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if ex.Attempts != 3 || ex.Permanent || !strings.Contains(ex.Error(), "upstream 503") {
		t.Fatalf("unexpected exhausted error %+v", ex)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	got, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || calls != 3 {
		t.Fatalf("got %q err=%v calls=%d", got, err, calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	sentinel := errors.New("no api key")
	var calls int32
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, retry.Permanent(sentinel)
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || !ex.Permanent {
		t.Fatalf("expected permanent exhausted error, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected error chain to include sentinel")
	}
}

func TestDoAbandonsSlowAttempts(t *testing.T) {
	p := fastPolicy()
	p.Timeout = 20 * time.Millisecond
	var calls int32
	var failures []error
	p.OnFailure = func(_ int, err error) { failures = append(failures, err) }
	start := time.Now()
	_, err := retry.Do(context.Background(), p, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	if time.Since(start) > 2*time.Second {
		t.Fatalf("attempts were not abandoned")
	}
	if calls != 3 || len(failures) != 3 {
		t.Fatalf("expected 3 timed out attempts, got calls=%d failures=%d", calls, len(failures))
	}
	var te retry.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDoHonoursCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	_, err := retry.Do(ctx, fastPolicy(), func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error on canceled context")
	}
	if calls > 1 {
		t.Fatalf("canceled context should not keep retrying, got %d calls", calls)
	}
}
