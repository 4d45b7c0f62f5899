package retry

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient failure %d", calls)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return fmt.Errorf("always failing")
	})
	if err == nil {
		t.Fatal("Do() error = nil, want failure after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	config := &Config{
		MaxAttempts:  5,
		InitialDelay: time.Hour, // would hang without cancellation
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, config, func(ctx context.Context, attempt int) error {
			calls++
			return fmt.Errorf("fail")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Do() error = nil, want cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after context cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	config := &Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(config, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
