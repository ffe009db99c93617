package discovery

import (
	"context"
	"testing"
	"time"
)

func TestRequestBucketStartsFull(t *testing.T) {
	t.Parallel()
	b := newRequestBucket(10, 1)
	if b.tokens != 10 {
		t.Errorf("tokens = %v, want 10", b.tokens)
	}
}

func TestRequestBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	b := newRequestBucket(5, 1)

	// A full bucket hands out tokens without blocking.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := b.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestRequestBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec → ~100ms per token
	b := newRequestBucket(1, 10)

	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next Wait should block roughly one refill period.
	start := time.Now()
	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestRequestBucketContextCancelled(t *testing.T) {
	t.Parallel()
	b := newRequestBucket(1, 0.1) // very slow refill

	_ = b.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}
