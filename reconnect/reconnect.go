// Package reconnect implements the exponential-backoff reconnection loop used
// by the connection core when the WebSocket closes unexpectedly.
//
// The backoff shape is grounded on the teacher's calculateBackoff helper
// (doubling, capped at a maximum delay), generalized here with a
// configurable multiplier, a jitter term, and a bounded attempt count.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrStopped is returned by Start when Stop is called while a loop is active.
var ErrStopped = errors.New("reconnect: stopped")

// Policy holds the backoff parameters for a Policy instance.
type Policy struct {
	Enabled           bool
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxAttempts       int // 0 = unlimited
	JitterFactor      float64
}

// DefaultPolicy returns the SDK's default reconnection parameters.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:           true,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		MaxAttempts:       0,
		JitterFactor:      0.3,
	}
}

// Events is the set of callbacks a Loop notifies as it progresses. Any
// callback left nil is skipped. Callbacks run on the loop's own goroutine.
type Events struct {
	OnReconnecting      func(attempt int, delay time.Duration)
	OnReconnected       func()
	OnReconnectionFailed func(attempts int, reason error)
}

// Loop drives repeated calls to an attempt function using Policy's backoff,
// until the attempt succeeds, is stopped, or exhausts MaxAttempts.
type Loop struct {
	policy Policy
	events Events
	rand   func() float64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New returns a Loop configured with policy and events.
func New(policy Policy, events Events) *Loop {
	return &Loop{policy: policy, events: events, rand: rand.Float64}
}

// IsAuthFailure reports whether err looks like an authentication failure, the
// one class of reconnection error the connection core treats as terminal
// rather than retryable.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"authentication", "unauthorized", "401", "token is required", "invalid token"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Start repeatedly calls attempt, waiting a jittered, exponentially growing
// delay between calls, until attempt succeeds (nil error), Stop is called, or
// MaxAttempts is exhausted. It blocks until one of those outcomes.
func (l *Loop) Start(ctx context.Context, attempt func(context.Context) error) error {
	if !l.policy.Enabled {
		return fmt.Errorf("reconnect: policy disabled")
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("reconnect: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.cancel = nil
		l.mu.Unlock()
	}()

	delay := l.policy.InitialDelay
	attemptNum := 0
	var lastErr error

	for {
		if l.policy.MaxAttempts > 0 && attemptNum >= l.policy.MaxAttempts {
			if l.events.OnReconnectionFailed != nil {
				l.events.OnReconnectionFailed(attemptNum, lastErr)
			}
			return fmt.Errorf("reconnect: exhausted %d attempts: %w", attemptNum, lastErr)
		}

		waitDelay := l.jittered(delay)
		attemptNum++
		if l.events.OnReconnecting != nil {
			l.events.OnReconnecting(attemptNum, waitDelay)
		}

		select {
		case <-loopCtx.Done():
			return ErrStopped
		case <-time.After(waitDelay):
		}

		select {
		case <-loopCtx.Done():
			return ErrStopped
		default:
		}

		err := attempt(loopCtx)
		if err == nil {
			if l.events.OnReconnected != nil {
				l.events.OnReconnected()
			}
			return nil
		}

		lastErr = err
		slog.Warn("reconnect: attempt failed", "attempt", attemptNum, "error", err)

		delay = time.Duration(float64(delay) * l.policy.BackoffMultiplier)
		if delay > l.policy.MaxDelay {
			delay = l.policy.MaxDelay
		}
	}
}

func (l *Loop) jittered(base time.Duration) time.Duration {
	if l.policy.JitterFactor <= 0 {
		return base
	}
	jitter := float64(base) * l.policy.JitterFactor
	offset := (l.rand()*2 - 1) * jitter // uniform in [-jitter, jitter]
	d := time.Duration(float64(base) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

// Stop cancels any pending delay and causes a running Start call to return
// ErrStopped. It is safe to call even when no loop is running.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// Running reports whether a Start call is currently in progress.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
