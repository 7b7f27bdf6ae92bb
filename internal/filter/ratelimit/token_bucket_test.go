package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestBucket(t *testing.T, rate float64, burst int) (*TokenBucket, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	tb := NewTokenBucket(TokenBucketConfig{Rate: rate, Burst: burst, Clock: mock})
	t.Cleanup(func() { tb.Close() })
	return tb, mock
}

func TestTokenBucket_Burst(t *testing.T) {
	tb, _ := newTestBucket(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := tb.Allow(ctx, "a")
		if !d.Allowed {
			t.Fatalf("request %d rejected within burst", i)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 2-i)
		}
	}

	d, _ := tb.Allow(ctx, "a")
	if d.Allowed {
		t.Fatal("request over burst admitted")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 1s]", d.RetryAfter)
	}

	// other keys have their own bucket
	if d, _ := tb.Allow(ctx, "b"); !d.Allowed {
		t.Error("independent key rejected")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb, mock := newTestBucket(t, 2, 2)
	ctx := context.Background()

	tb.Allow(ctx, "a")
	tb.Allow(ctx, "a")
	if d, _ := tb.Allow(ctx, "a"); d.Allowed {
		t.Fatal("bucket should be empty")
	}

	mock.Add(500 * time.Millisecond)
	if d, _ := tb.Allow(ctx, "a"); !d.Allowed {
		t.Fatal("one token should refill after 500ms at 2/s")
	}

	// capacity caps the refill
	mock.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if d, _ := tb.Allow(ctx, "a"); !d.Allowed {
			t.Fatalf("request %d rejected after full refill", i)
		}
	}
	if d, _ := tb.Allow(ctx, "a"); d.Allowed {
		t.Error("refill exceeded burst")
	}
}

func TestTokenBucket_SweepsIdleKeys(t *testing.T) {
	tb, mock := newTestBucket(t, 1, 1)
	tb.Allow(context.Background(), "a")
	if tb.Len() != 1 {
		t.Fatalf("Len() = %d", tb.Len())
	}

	mock.Add(bucketIdleTTL + 5*time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for tb.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle bucket was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
