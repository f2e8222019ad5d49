package metrics

import (
	"sync"
	"time"
)

// DefaultEventCapacity is the default ring size per event stream.
const DefaultEventCapacity = 4096

// Core is the per-node registry of counters, histograms, and event
// buffers described in §4.8. Registry growth (first insert of a new
// series) is guarded by the write lock; every later write looks the
// series up under the shared read lock and then updates it in place:
// counters and histogram buckets with atomic adds, the histogram sum
// and the event ring under their own per-series mutex.
type Core struct {
	mu         sync.RWMutex
	counters   map[seriesKey]*counterSeries
	histograms map[seriesKey]*histogramSeries
	events     map[seriesKey]*eventBufferSeries

	eventCapacity int
	buckets       []float64
}

// NewCore creates an empty Metrics Core using the default histogram
// bucket bounds and event buffer capacity.
func NewCore() *Core {
	return &Core{
		counters:      map[seriesKey]*counterSeries{},
		histograms:    map[seriesKey]*histogramSeries{},
		events:        map[seriesKey]*eventBufferSeries{},
		eventCapacity: DefaultEventCapacity,
		buckets:       DefaultBuckets,
	}
}

// IncrCounter increments (name, labels) by delta, creating the series
// on first use.
func (c *Core) IncrCounter(name string, labels Labels, delta uint64) {
	c.counterFor(name, labels).value.Add(delta)
}

func (c *Core) counterFor(name string, labels Labels) *counterSeries {
	key := keyFor(name, labels)

	c.mu.RLock()
	s, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.counters[key]; ok {
		return s
	}
	s = &counterSeries{name: name, labels: cloneLabels(labels)}
	c.counters[key] = s
	return s
}

// ObserveHistogram records v into (name, labels), creating the series
// on first use.
func (c *Core) ObserveHistogram(name string, labels Labels, v float64) {
	c.histogramFor(name, labels).observe(v)
}

func (c *Core) histogramFor(name string, labels Labels) *histogramSeries {
	key := keyFor(name, labels)

	c.mu.RLock()
	s, ok := c.histograms[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.histograms[key]; ok {
		return s
	}
	s = newHistogramSeries(name, cloneLabels(labels), c.buckets)
	c.histograms[key] = s
	return s
}

// RecordEvent pushes a timestamped sample into (name, labels)'s ring,
// creating the series on first use.
func (c *Core) RecordEvent(name string, labels Labels, ts time.Time, value float64) {
	c.eventFor(name, labels).push(eventSample{Timestamp: ts, Value: value})
}

func (c *Core) eventFor(name string, labels Labels) *eventBufferSeries {
	key := keyFor(name, labels)

	c.mu.RLock()
	s, ok := c.events[key]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.events[key]; ok {
		return s
	}
	s = newEventBufferSeries(name, cloneLabels(labels), c.eventCapacity)
	c.events[key] = s
	return s
}

// CounterValue returns the current value of (name, labels), or 0 if
// the series does not exist. Useful for tests and the periodic stats
// print.
func (c *Core) CounterValue(name string, labels Labels) uint64 {
	key := keyFor(name, labels)
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.counters[key]
	if !ok {
		return 0
	}
	return s.value.Load()
}
