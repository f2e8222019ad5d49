package gossip

import (
	"testing"
	"time"
)

func TestRecentSetDedup(t *testing.T) {
	rs := NewRecentSet(16, time.Minute)
	if rs.Seen("a") {
		t.Fatal("unexpected hit before add")
	}
	rs.Add("a")
	if !rs.Seen("a") {
		t.Fatal("expected hit after add")
	}
	if rs.Seen("b") {
		t.Fatal("unexpected hit for unrelated key")
	}
}

func TestRecentSetExpiresAfterRetention(t *testing.T) {
	rs := NewRecentSet(16, 10*time.Millisecond)
	rs.Add("a")
	time.Sleep(20 * time.Millisecond)
	if rs.Seen("a") {
		t.Fatal("expected key to expire after retention window")
	}
}

func TestInitialHopsGrowsWithClusterSize(t *testing.T) {
	small := initialHops(1)
	large := initialHops(64)
	if large <= small {
		t.Fatalf("expected hops to grow with cluster size: small=%d large=%d", small, large)
	}
	if small != 2 {
		t.Fatalf("expected ceil(log2(1))+2 = 2, got %d", small)
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1024, 4)
	keys := []string{"one", "two", "three", "four"}
	for _, k := range keys {
		bf.add(k)
	}
	for _, k := range keys {
		if !bf.mightContain(k) {
			t.Fatalf("bloom filter false negative for %q", k)
		}
	}
}
