package wait

import (
	"testing"
	"time"
)

func TestBackoffGrowsTowardCap(t *testing.T) {
	bo := NewBackoff(10*time.Millisecond, 2, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		bo.Backoff()
	}
	if bo.Duration() > 100*time.Millisecond {
		t.Fatalf("backoff exceeded cap: %v", bo.Duration())
	}
}

func TestBackoffResetReturnsToZero(t *testing.T) {
	bo := NewBackoff(10*time.Millisecond, 2, time.Second)
	bo.Backoff()
	bo.Reset()
	if bo.Duration() != 0 {
		t.Fatalf("expected zero duration after reset, got %v", bo.Duration())
	}
}

func TestFullJitterWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := FullJitter(base)
		if d < base/2 || d > base+base/2 {
			t.Fatalf("jittered duration %v out of [%v,%v]", d, base/2, base+base/2)
		}
	}
}
