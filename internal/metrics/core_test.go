package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestIncrCounterConcurrentWrites(t *testing.T) {
	c := NewCore()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncrCounter("http_requests_total", Labels{"label": "home"}, 1)
		}()
	}
	wg.Wait()

	if got := c.CounterValue("http_requests_total", Labels{"label": "home"}); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestLabelsCanonicalOrderIndependent(t *testing.T) {
	c := NewCore()
	c.IncrCounter("x", Labels{"a": "1", "b": "2"}, 1)
	c.IncrCounter("x", Labels{"b": "2", "a": "1"}, 1)

	if got := c.CounterValue("x", Labels{"a": "1", "b": "2"}); got != 2 {
		t.Fatalf("expected label order to be canonicalized, got %d", got)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	c := NewCore()
	c.ObserveHistogram("latency", nil, 0.02)
	c.ObserveHistogram("latency", nil, 3)

	snap := c.Snapshot("node-1")
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram series, got %d", len(snap.Histograms))
	}
	h := snap.Histograms[0]
	if h.Count != 2 {
		t.Fatalf("expected count 2, got %d", h.Count)
	}
	// bucket for 0.025 should have exactly the 0.02 observation
	idx := -1
	for i, b := range h.Bounds {
		if b == 0.025 {
			idx = i
		}
	}
	if idx == -1 || h.Buckets[idx] != 1 {
		t.Fatalf("expected bucket 0.025 to count 1 observation, buckets=%v", h.Buckets)
	}
	// +Inf bucket counts everything
	if h.Buckets[len(h.Buckets)-1] != 2 {
		t.Fatalf("expected +Inf bucket to count both observations, got %d", h.Buckets[len(h.Buckets)-1])
	}
}

func TestSnapshotCounterTotalAtLeastHistogramCount(t *testing.T) {
	c := NewCore()
	labels := Labels{"label": "checkout"}
	c.IncrCounter("http_requests_total", labels, 5)
	c.ObserveHistogram("http_request_duration_seconds", labels, 0.1)
	c.ObserveHistogram("http_request_duration_seconds", labels, 0.2)

	snap := c.Snapshot("node-1")
	var counterTotal uint64
	for _, cs := range snap.Counters {
		counterTotal += cs.Value
	}
	var histCount uint64
	for _, hs := range snap.Histograms {
		histCount += hs.Count
	}
	if counterTotal < histCount {
		t.Fatalf("invariant violated: counters.total(%d) < histograms.count(%d)", counterTotal, histCount)
	}
}

func TestEventBufferDropsOldestWhenFull(t *testing.T) {
	c := NewCore()
	c.eventCapacity = 3
	base := time.Now()
	for i := 0; i < 5; i++ {
		c.RecordEvent("req", nil, base.Add(time.Duration(i)*time.Second), float64(i))
	}

	snap := c.Snapshot("node-1")
	if len(snap.Events) != 1 {
		t.Fatalf("expected 1 event series, got %d", len(snap.Events))
	}
	samples := snap.Events[0].Samples
	if len(samples) != 3 {
		t.Fatalf("expected capacity-bounded 3 samples, got %d", len(samples))
	}
	if samples[0].Value != 2 {
		t.Fatalf("expected oldest two samples dropped, first kept value=2, got %v", samples[0].Value)
	}
}

func TestMergeCountersSum(t *testing.T) {
	a := Snapshot{Counters: []CounterSnapshot{{Name: "n", Labels: Labels{"x": "1"}, Value: 3}}}
	b := Snapshot{Counters: []CounterSnapshot{{Name: "n", Labels: Labels{"x": "1"}, Value: 4}}}

	merged := Merge(a, b)
	if merged.Counters[0].Value != 7 {
		t.Fatalf("expected 7, got %d", merged.Counters[0].Value)
	}
}

func TestMergeAssociativeAndCommutative(t *testing.T) {
	mk := func(v uint64) Snapshot {
		return Snapshot{Counters: []CounterSnapshot{{Name: "n", Value: v}}}
	}
	a, b, c := mk(1), mk(2), mk(3)

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	if left.Counters[0].Value != right.Counters[0].Value {
		t.Fatalf("merge not associative: %d != %d", left.Counters[0].Value, right.Counters[0].Value)
	}

	commuted := Merge(b, a)
	straight := Merge(a, b)
	if commuted.Counters[0].Value != straight.Counters[0].Value {
		t.Fatalf("merge not commutative: %d != %d", commuted.Counters[0].Value, straight.Counters[0].Value)
	}
}

func TestMergeEventsTruncatesToCapacity(t *testing.T) {
	base := time.Now()
	a := Snapshot{Events: []EventBufferSnapshot{{
		Name: "e", Capacity: 3,
		Samples: []EventSample{{Timestamp: base, Value: 1}, {Timestamp: base.Add(2 * time.Second), Value: 3}},
	}}}
	b := Snapshot{Events: []EventBufferSnapshot{{
		Name: "e", Capacity: 3,
		Samples: []EventSample{{Timestamp: base.Add(1 * time.Second), Value: 2}, {Timestamp: base.Add(3 * time.Second), Value: 4}},
	}}}

	merged := Merge(a, b)
	samples := merged.Events[0].Samples
	if len(samples) != 3 {
		t.Fatalf("expected truncation to capacity 3, got %d", len(samples))
	}
	if samples[0].Value != 2 {
		t.Fatalf("expected oldest sample dropped, got first value %v", samples[0].Value)
	}
}
