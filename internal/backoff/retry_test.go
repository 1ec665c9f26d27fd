package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy keeps test sleeps negligible.
func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	result, err := RetryWithBackoff(context.Background(), fastPolicy(), 3,
		func(attempt int) (string, error) {
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != "ok" || result.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	boom := errors.New("boom")
	result, err := RetryWithBackoff(context.Background(), fastPolicy(), 5,
		func(attempt int) (int, error) {
			if attempt < 3 {
				return 0, boom
			}
			return attempt, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != 3 || result.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.LastError != boom {
		t.Fatalf("LastError should record the final failure before success, got %v", result.LastError)
	}
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	boom := errors.New("boom")
	result, err := RetryWithBackoff(context.Background(), fastPolicy(), 3,
		func(attempt int) (struct{}, error) {
			return struct{}{}, boom
		})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("expected ErrMaxAttemptsExhausted, got %v", err)
	}
	if result.Attempts != 3 || result.LastError != boom {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetryWithBackoff_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryWithBackoff(ctx, fastPolicy(), 3,
		func(attempt int) (struct{}, error) {
			calls++
			return struct{}{}, errors.New("boom")
		})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("cancelled context must prevent any attempt, got %d", calls)
	}
}

func TestRetryWithBackoff_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Initial: 5 * time.Second, Max: 10 * time.Second, Factor: 2}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := RetryWithBackoff(ctx, slow, 3,
		func(attempt int) (struct{}, error) {
			return struct{}{}, errors.New("boom")
		})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected exactly one attempt before the sleep, got %d", result.Attempts)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry did not abort the backoff sleep on cancellation")
	}
}

func TestRetryWithBackoff_AttemptNumbers(t *testing.T) {
	var seen []int
	_, _ = RetryWithBackoff(context.Background(), fastPolicy(), 3,
		func(attempt int) (struct{}, error) {
			seen = append(seen, attempt)
			return struct{}{}, errors.New("boom")
		})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected attempt sequence: %v", seen)
	}
}
