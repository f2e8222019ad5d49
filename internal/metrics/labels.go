// Package metrics implements the Metrics Core: per-series counters,
// histograms, and bounded event buffers, labeled and mergeable, plus
// the snapshot operation used both locally and by the Aggregator.
package metrics

import (
	"sort"
	"strings"
)

// Labels is an unordered map of short strings identifying a series
// alongside its metric name.
type Labels map[string]string

// canonical renders labels in a stable, sorted "k=v,k2=v2" form so
// (name, canonical(labels)) uniquely identifies a series regardless of
// the order labels were supplied in.
func canonical(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

type seriesKey struct {
	name   string
	labels string
}

func keyFor(name string, labels Labels) seriesKey {
	return seriesKey{name: name, labels: canonical(labels)}
}

func cloneLabels(labels Labels) Labels {
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
