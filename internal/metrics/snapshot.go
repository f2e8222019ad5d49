package metrics

import (
	"sort"
	"time"
)

// CounterSnapshot is one counter series at the moment of capture.
type CounterSnapshot struct {
	Name   string
	Labels Labels
	Value  uint64
}

// HistogramSnapshot is one histogram series at the moment of capture.
type HistogramSnapshot struct {
	Name    string
	Labels  Labels
	Bounds  []float64 // does not include the implicit +Inf bucket
	Buckets []uint64  // len(Bounds)+1, last entry is the +Inf bucket
	Sum     float64
	Count   uint64
}

// EventSample is one timestamped sample in an EventBuffer snapshot.
type EventSample struct {
	Timestamp time.Time
	Value     float64
}

// EventBufferSnapshot is one event-buffer series at the moment of
// capture, in timestamp order.
type EventBufferSnapshot struct {
	Name     string
	Labels   Labels
	Capacity int
	Samples  []EventSample
}

// Snapshot is a consistent-per-node image of the Metrics Core, per §3.
type Snapshot struct {
	NodeIdentity string
	CapturedAt   time.Time
	Counters     []CounterSnapshot
	Histograms   []HistogramSnapshot
	Events       []EventBufferSnapshot
}

// Snapshot captures a consistent image of the registry. Each series is
// copied atomically (an atomic load for counters, a per-bucket atomic
// load plus a brief sum-mutex hold for histograms, a brief ring-mutex
// hold for events); no global lock is held for longer than it takes to
// enumerate the registries, so writers are never blocked for more than
// O(number of series).
func (c *Core) Snapshot(nodeIdentity string) Snapshot {
	c.mu.RLock()
	counterSeries := make([]*counterSeries, 0, len(c.counters))
	for _, s := range c.counters {
		counterSeries = append(counterSeries, s)
	}
	histogramSeriesList := make([]*histogramSeries, 0, len(c.histograms))
	for _, s := range c.histograms {
		histogramSeriesList = append(histogramSeriesList, s)
	}
	eventSeries := make([]*eventBufferSeries, 0, len(c.events))
	for _, s := range c.events {
		eventSeries = append(eventSeries, s)
	}
	c.mu.RUnlock()

	snap := Snapshot{NodeIdentity: nodeIdentity, CapturedAt: time.Now()}

	for _, s := range counterSeries {
		snap.Counters = append(snap.Counters, CounterSnapshot{
			Name: s.name, Labels: cloneLabels(s.labels), Value: s.value.Load(),
		})
	}

	for _, s := range histogramSeriesList {
		buckets := make([]uint64, len(s.buckets))
		for i := range s.buckets {
			buckets[i] = s.buckets[i].Load()
		}
		s.sumMu.Lock()
		sum := s.sum
		s.sumMu.Unlock()

		snap.Histograms = append(snap.Histograms, HistogramSnapshot{
			Name: s.name, Labels: cloneLabels(s.labels),
			Bounds: append([]float64(nil), s.bounds...), Buckets: buckets,
			Sum: sum, Count: s.count.Load(),
		})
	}

	for _, s := range eventSeries {
		ordered := s.ordered()
		samples := make([]EventSample, len(ordered))
		for i, e := range ordered {
			samples[i] = EventSample{Timestamp: e.Timestamp, Value: e.Value}
		}
		snap.Events = append(snap.Events, EventBufferSnapshot{
			Name: s.name, Labels: cloneLabels(s.labels), Capacity: s.capacity, Samples: samples,
		})
	}

	sortSnapshot(&snap)
	return snap
}

func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Counters, func(i, j int) bool {
		return seriesLess(s.Counters[i].Name, s.Counters[i].Labels, s.Counters[j].Name, s.Counters[j].Labels)
	})
	sort.Slice(s.Histograms, func(i, j int) bool {
		return seriesLess(s.Histograms[i].Name, s.Histograms[i].Labels, s.Histograms[j].Name, s.Histograms[j].Labels)
	})
	sort.Slice(s.Events, func(i, j int) bool {
		return seriesLess(s.Events[i].Name, s.Events[i].Labels, s.Events[j].Name, s.Events[j].Labels)
	})
}

func seriesLess(nameA string, labelsA Labels, nameB string, labelsB Labels) bool {
	if nameA != nameB {
		return nameA < nameB
	}
	return canonical(labelsA) < canonical(labelsB)
}
