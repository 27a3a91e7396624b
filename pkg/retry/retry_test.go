package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/objectfs/storagehub/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ThrottledIsRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeThrottled, "slow down")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", errors.NewError(errors.ErrCodeObjectNotFound, "no such key")},
		{"access denied", errors.NewError(errors.ErrCodeAccessDenied, "denied")},
		{"plain error", stderrors.New("boom")},
		{"5xx flagged off", errors.NewError(errors.ErrCodeBackendCall, "internal").WithRetryable(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryer := New(fastConfig())
			attempts := 0
			err := retryer.Do(context.Background(), func(ctx context.Context) error {
				attempts++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error back, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
			}
		})
	}
}

func TestRetryer_FlaggedErrorIsRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	_ = retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeBackendCall, "503").WithRetryable(true)
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 4
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeNetwork, "connection reset")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeNetwork {
		t.Errorf("Expected wrapped network error, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := retryer.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeNetwork, "timeout")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Cancellation did not interrupt the backoff wait")
	}
}

func TestRetryer_CancelledBeforeStart(t *testing.T) {
	retryer := New(fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := retryer.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})

	if called {
		t.Error("fn must not run on a cancelled context")
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRetryer_BackoffAndCap(t *testing.T) {
	config := Config{
		MaxAttempts:  6,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
	retryer := New(config)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	for i, w := range want {
		if got := retryer.delay(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestRetryer_JitterStaysInBounds(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 100; i++ {
		d := retryer.delay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var seen []int
	retryer := New(fastConfig()).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	})

	_ = retryer.Do(context.Background(), func(ctx context.Context) error {
		return errors.NewError(errors.ErrCodeThrottled, "slow down")
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected callbacks for attempts 1 and 2, got %v", seen)
	}
}

func TestRetryer_WithMaxAttempts(t *testing.T) {
	base := New(fastConfig())
	single := base.WithMaxAttempts(1)

	if base.Config().MaxAttempts != 3 {
		t.Errorf("base retryer must not change, got %d", base.Config().MaxAttempts)
	}

	attempts := 0
	err := single.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeNetwork, "reset")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeNetwork {
		t.Errorf("Expected network error, got %v", err)
	}
}
