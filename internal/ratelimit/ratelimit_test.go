package ratelimit

import (
	"testing"
	"time"
)

func TestAllowsUpToBurstThenDrops(t *testing.T) {
	l := New(map[string]Limit{
		"text_delta": {MaxBurst: 3, RefillInterval: time.Hour},
	})

	for i := 0; i < 3; i++ {
		if !l.Allow("text_delta") {
			t.Fatalf("event %d unexpectedly dropped", i)
		}
	}
	if l.Allow("text_delta") {
		t.Fatal("4th event should have been dropped")
	}
}

func TestOtherEventTypesUnaffected(t *testing.T) {
	l := New(map[string]Limit{
		"text_delta": {MaxBurst: 1, RefillInterval: time.Hour},
		"tool_call":  {MaxBurst: 1, RefillInterval: time.Hour},
	})

	if !l.Allow("text_delta") {
		t.Fatal("first text_delta should be allowed")
	}
	if l.Allow("text_delta") {
		t.Fatal("second text_delta should be dropped")
	}
	if !l.Allow("tool_call") {
		t.Fatal("tool_call bucket should be independent of text_delta")
	}
}

func TestRefillAfterInterval(t *testing.T) {
	l := New(map[string]Limit{
		"completion": {MaxBurst: 1, RefillInterval: 10 * time.Millisecond},
	})
	if !l.Allow("completion") {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("completion") {
		t.Fatal("second immediate call should be dropped")
	}
	time.Sleep(20 * time.Millisecond)
	if !l.Allow("completion") {
		t.Fatal("call after refill interval should be allowed")
	}
}

func TestUnknownEventTypeGetsDefaultBucket(t *testing.T) {
	l := New(map[string]Limit{})
	if !l.Allow("some_new_event_type") {
		t.Fatal("unknown event type should get a default allowance")
	}
}
