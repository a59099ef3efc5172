package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var seen []int
	var remaining []int
	err := NoDelay(5).Do(context.Background(), func(attempt, left int) error {
		seen = append(seen, attempt)
		remaining = append(remaining, left)
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(seen) != 5 || seen[4] != 5 {
		t.Fatalf("expected 5 attempts, got %v", seen)
	}
	if remaining[0] != 4 || remaining[4] != 0 {
		t.Fatalf("unexpected remaining counts %v", remaining)
	}
}

func TestDoReturnsOnSuccess(t *testing.T) {
	calls := 0
	err := NoDelay(5).Do(context.Background(), func(attempt, _ int) error {
		calls++
		if attempt < 3 {
			return errors.New("retry")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, err=%v calls=%d", err, calls)
	}
}

func TestPermanentShortCircuits(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0
	err := Fixed(5, time.Millisecond).Do(context.Background(), func(int, int) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("expected single permanent failure, err=%v calls=%d", err, calls)
	}
}

func TestZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(int, int) error { calls++; return nil })
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Fixed(5, 10*time.Millisecond).Do(ctx, func(int, int) error {
		calls++
		cancel()
		return errors.New("retry")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected to stop after cancellation, err=%v calls=%d", err, calls)
	}
}
