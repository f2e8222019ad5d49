package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestWriteExpositionFormatIncludesCounterAndHistogram(t *testing.T) {
	c := NewCore()
	c.IncrCounter("journey_executions_total", Labels{"journey": "checkout"}, 42)
	c.ObserveHistogram("http_request_duration_seconds", Labels{"journey": "checkout"}, 0.2)

	snap := c.Snapshot("node-1")
	out, err := WriteExpositionFormat(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := string(out)

	if !strings.Contains(text, "journey_executions_total") {
		t.Fatalf("expected counter family in output, got:\n%s", text)
	}
	if !strings.Contains(text, "http_request_duration_seconds_bucket") {
		t.Fatalf("expected histogram buckets in output, got:\n%s", text)
	}
	if !strings.Contains(text, `journey="checkout"`) {
		t.Fatalf("expected label pair rendered, got:\n%s", text)
	}
}

func TestHistogramBucketsAreCumulativeNotDoubleSummed(t *testing.T) {
	c := NewCore()
	c.ObserveHistogram("http_request_duration_seconds", nil, 0.003)
	c.ObserveHistogram("http_request_duration_seconds", nil, 0.007)
	c.ObserveHistogram("http_request_duration_seconds", nil, 0.5)

	snap := c.Snapshot("node-1")
	families := buildFamilies(snap)
	f := families["http_request_duration_seconds"]
	if f == nil || len(f.Metric) != 1 {
		t.Fatalf("expected one histogram metric, got %+v", f)
	}
	buckets := f.Metric[0].Histogram.Bucket

	want := []uint64{1, 2, 2, 2, 2, 2, 3, 3, 3, 3, 3}
	if len(buckets) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(buckets))
	}
	for i, b := range buckets {
		if b.GetCumulativeCount() != want[i] {
			t.Fatalf("bucket %d: expected cumulative count %d, got %d", i, want[i], b.GetCumulativeCount())
		}
	}
}

func TestWriteExpositionFormatEventBufferAsGauge(t *testing.T) {
	c := NewCore()
	c.RecordEvent("request_latency", Labels{"journey": "checkout"}, time.Now(), 0.1)

	snap := c.Snapshot("node-1")
	out, err := WriteExpositionFormat(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "request_latency_sample_count") {
		t.Fatalf("expected event sample count gauge, got:\n%s", out)
	}
}
