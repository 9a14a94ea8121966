package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeAdvanceWakesSleepers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	done := make(chan error, 1)
	go func() {
		done <- f.Sleep(context.Background(), 10*time.Minute)
	}()

	// Let the sleeper register.
	time.Sleep(10 * time.Millisecond)
	f.Advance(5 * time.Minute)

	select {
	case <-done:
		t.Fatalf("sleeper woke before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	f.Advance(5 * time.Minute)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sleep returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleeper not woken after deadline passed")
	}

	if got := f.Now(); !got.Equal(start.Add(10 * time.Minute)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(10*time.Minute))
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected context error from cancelled sleep")
	}
}

func TestSystemSleepZero(t *testing.T) {
	var s System
	if err := s.Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep should return immediately: %v", err)
	}
}
