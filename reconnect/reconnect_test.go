package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	l := New(Policy{
		Enabled:           true,
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxAttempts:       4,
		JitterFactor:      0,
	}, Events{})

	var delays []time.Duration
	l.events.OnReconnecting = func(attempt int, delay time.Duration) {
		delays = append(delays, delay)
	}

	attempts := 0
	_ = l.Start(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("nope")
	})

	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("got %d delays, want %d: %v", len(delays), len(want), delays)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], d)
		}
	}
}

func TestMaxAttemptsExhaustedEmitsFailure(t *testing.T) {
	var failedAttempts int
	var failedErr error
	l := New(Policy{
		Enabled:           true,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1,
		MaxAttempts:       2,
	}, Events{
		OnReconnectionFailed: func(attempts int, reason error) {
			failedAttempts = attempts
			failedErr = reason
		},
	})

	wantErr := errors.New("still down")
	err := l.Start(context.Background(), func(context.Context) error { return wantErr })
	if err == nil {
		t.Fatal("expected an error")
	}
	if failedAttempts != 2 {
		t.Fatalf("failedAttempts = %d, want 2", failedAttempts)
	}
	if !errors.Is(failedErr, wantErr) && failedErr.Error() != wantErr.Error() {
		t.Fatalf("failedErr = %v, want %v", failedErr, wantErr)
	}
}

func TestSuccessEmitsReconnected(t *testing.T) {
	reconnected := false
	l := New(Policy{
		Enabled:           true,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1,
	}, Events{
		OnReconnected: func() { reconnected = true },
	})

	calls := 0
	err := l.Start(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reconnected {
		t.Fatal("OnReconnected was not called")
	}
}

func TestStopUnblocksPendingDelay(t *testing.T) {
	l := New(Policy{
		Enabled:           true,
		InitialDelay:      time.Hour,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 1,
	}, Events{})

	done := make(chan error, 1)
	go func() {
		done <- l.Start(context.Background(), func(context.Context) error {
			return errors.New("unreachable")
		})
	}()

	// Give the loop a moment to enter its wait before stopping it.
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock Start within 1s")
	}
}

func TestDisabledPolicyReturnsImmediately(t *testing.T) {
	l := New(Policy{Enabled: false}, Events{})
	err := l.Start(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected an error for a disabled policy")
	}
}

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("authentication token is required for connection"), true},
		{errors.New("401 unauthorized"), true},
		{errors.New("connection timeout"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsAuthFailure(c.err); got != c.want {
			t.Errorf("IsAuthFailure(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
