package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter(1, 3)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected the burst of 3, got %d", allowed)
	}
}

func TestLimiterRefills(t *testing.T) {
	limiter := NewLimiter(100, 1)

	if !limiter.Allow() {
		t.Fatal("First call should be allowed")
	}
	if limiter.Allow() {
		t.Error("Bucket should be empty right after the burst")
	}

	time.Sleep(50 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("Bucket should have refilled")
	}
}
