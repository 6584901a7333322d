package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_AttemptNumbersIncrease(t *testing.T) {
	var seen []int
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("unexpected attempts: %v", seen)
	}
}

func TestPolicy_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("transient")

	var calls int
	err := Policy{Attempts: 5, BaseDelay: time.Hour}.Do(ctx, func(int) error {
		calls++
		cancel()
		return sentinel
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected last error to be kept, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_DelayDoubles(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := p.Delay(5); got != 3*time.Second {
		t.Fatalf("expected cap of 3s, got %v", got)
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Jitter: 0.25}
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}

func TestDo_Shorthand(t *testing.T) {
	var calls int
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("nope")
	})
	if err == nil || calls != 2 {
		t.Fatalf("expected 2 failing calls, got %d (%v)", calls, err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Fatal("expected IsPermanent")
	}
}
