package metrics

import (
	"sort"
	"time"
)

// Merge combines two snapshots per §4.8: counters sum, histograms sum
// bucket-wise (plus sum/count), events concatenate and re-sort by
// timestamp, truncated to the smaller of capacity or N. Merge is
// associative and commutative, so an Aggregator can fold an arbitrary
// number of peer snapshots in any order.
func Merge(a, b Snapshot) Snapshot {
	out := Snapshot{CapturedAt: laterOf(a.CapturedAt, b.CapturedAt)}

	out.Counters = mergeCounters(a.Counters, b.Counters)
	out.Histograms = mergeHistograms(a.Histograms, b.Histograms)
	out.Events = mergeEvents(a.Events, b.Events)

	sortSnapshot(&out)
	return out
}

// MergeAll folds a list of snapshots with Merge, left to right;
// associativity/commutativity means the result does not depend on
// order.
func MergeAll(snaps []Snapshot) Snapshot {
	if len(snaps) == 0 {
		return Snapshot{}
	}
	out := snaps[0]
	for _, s := range snaps[1:] {
		out = Merge(out, s)
	}
	return out
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func mergeCounters(a, b []CounterSnapshot) []CounterSnapshot {
	idx := map[seriesKey]*CounterSnapshot{}
	order := []seriesKey{}

	add := func(list []CounterSnapshot) {
		for _, c := range list {
			key := keyFor(c.Name, c.Labels)
			if existing, ok := idx[key]; ok {
				existing.Value += c.Value
				continue
			}
			cp := c
			cp.Labels = cloneLabels(c.Labels)
			idx[key] = &cp
			order = append(order, key)
		}
	}
	add(a)
	add(b)

	out := make([]CounterSnapshot, 0, len(order))
	for _, k := range order {
		out = append(out, *idx[k])
	}
	return out
}

func mergeHistograms(a, b []HistogramSnapshot) []HistogramSnapshot {
	idx := map[seriesKey]*HistogramSnapshot{}
	order := []seriesKey{}

	add := func(list []HistogramSnapshot) {
		for _, h := range list {
			key := keyFor(h.Name, h.Labels)
			existing, ok := idx[key]
			if !ok {
				cp := h
				cp.Labels = cloneLabels(h.Labels)
				cp.Bounds = append([]float64(nil), h.Bounds...)
				cp.Buckets = append([]uint64(nil), h.Buckets...)
				idx[key] = &cp
				order = append(order, key)
				continue
			}
			for i := range existing.Buckets {
				if i < len(h.Buckets) {
					existing.Buckets[i] += h.Buckets[i]
				}
			}
			existing.Sum += h.Sum
			existing.Count += h.Count
		}
	}
	add(a)
	add(b)

	out := make([]HistogramSnapshot, 0, len(order))
	for _, k := range order {
		out = append(out, *idx[k])
	}
	return out
}

func mergeEvents(a, b []EventBufferSnapshot) []EventBufferSnapshot {
	idx := map[seriesKey]*EventBufferSnapshot{}
	order := []seriesKey{}

	add := func(list []EventBufferSnapshot) {
		for _, e := range list {
			key := keyFor(e.Name, e.Labels)
			existing, ok := idx[key]
			if !ok {
				cp := e
				cp.Labels = cloneLabels(e.Labels)
				cp.Samples = append([]EventSample(nil), e.Samples...)
				idx[key] = &cp
				order = append(order, key)
				continue
			}
			existing.Samples = append(existing.Samples, e.Samples...)
			if e.Capacity < existing.Capacity {
				existing.Capacity = e.Capacity
			}
		}
	}
	add(a)
	add(b)

	out := make([]EventBufferSnapshot, 0, len(order))
	for _, k := range order {
		e := *idx[k]
		sort.Slice(e.Samples, func(i, j int) bool {
			return e.Samples[i].Timestamp.Before(e.Samples[j].Timestamp)
		})
		limit := e.Capacity
		if len(e.Samples) < limit {
			limit = len(e.Samples)
		}
		if limit >= 0 && len(e.Samples) > limit {
			e.Samples = e.Samples[len(e.Samples)-limit:]
		}
		out = append(out, e)
	}
	return out
}
