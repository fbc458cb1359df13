package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := NewBackoff(1*time.Second, 10*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(1*time.Second, 10*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 1*time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if got := b.Next(); got != DefaultBackoffInitial {
		t.Errorf("first delay = %v, want %v", got, DefaultBackoffInitial)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, NewBackoff(time.Millisecond, time.Millisecond),
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), 3, NewBackoff(time.Millisecond, time.Millisecond),
		func(context.Context) error {
			calls++
			return wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 0, NewBackoff(time.Millisecond, time.Millisecond),
		func(context.Context) error { return errors.New("never succeeds") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry = %v, want context.Canceled", err)
	}
}
