package metrics

import (
	"bytes"
	"fmt"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// WriteExpositionFormat renders a Snapshot in the Prometheus text
// exposition format, grouping series by metric name into MetricFamily
// messages and encoding them with expfmt the same way a scrape target
// would. The Core's own registry cannot be handed to promhttp directly
// (its series carry caller-defined label sets discovered at runtime,
// not the static label names prometheus.*Vec requires), so this
// translates the already-captured Snapshot instead.
func WriteExpositionFormat(snap Snapshot) ([]byte, error) {
	families := buildFamilies(snap)

	var buf bytes.Buffer
	for _, name := range sortedFamilyNames(families) {
		if _, err := expfmt.MetricFamilyToText(&buf, families[name]); err != nil {
			return nil, fmt.Errorf("encode metric family %q: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func sortedFamilyNames(families map[string]*dto.MetricFamily) []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildFamilies(snap Snapshot) map[string]*dto.MetricFamily {
	families := map[string]*dto.MetricFamily{}

	for _, c := range snap.Counters {
		f := familyFor(families, c.Name, dto.MetricType_COUNTER)
		f.Metric = append(f.Metric, &dto.Metric{
			Label: labelPairs(c.Labels),
			Counter: &dto.Counter{
				Value: proto.Float64(float64(c.Value)),
			},
		})
	}

	for _, h := range snap.Histograms {
		f := familyFor(families, h.Name, dto.MetricType_HISTOGRAM)
		// h.Buckets[i] is already a cumulative count (observe() increments
		// every bucket with bound >= v), so it's used as-is rather than
		// prefix-summed again.
		buckets := make([]*dto.Bucket, 0, len(h.Bounds))
		for i, bound := range h.Bounds {
			buckets = append(buckets, &dto.Bucket{
				UpperBound:      proto.Float64(bound),
				CumulativeCount: proto.Uint64(h.Buckets[i]),
			})
		}
		f.Metric = append(f.Metric, &dto.Metric{
			Label: labelPairs(h.Labels),
			Histogram: &dto.Histogram{
				SampleSum:   proto.Float64(h.Sum),
				SampleCount: proto.Uint64(h.Count),
				Bucket:      buckets,
			},
		})
	}

	// Event buffers have no standard Prometheus metric shape; expose
	// their sample count as a gauge so a scrape can at least alarm on
	// an empty or stalled stream. The samples themselves are only
	// available through the yaml snapshot file, not the scrape.
	for _, e := range snap.Events {
		f := familyFor(families, e.Name+"_sample_count", dto.MetricType_GAUGE)
		f.Metric = append(f.Metric, &dto.Metric{
			Label: labelPairs(e.Labels),
			Gauge: &dto.Gauge{
				Value: proto.Float64(float64(len(e.Samples))),
			},
		})
	}

	return families
}

func familyFor(families map[string]*dto.MetricFamily, name string, kind dto.MetricType) *dto.MetricFamily {
	if f, ok := families[name]; ok {
		return f
	}
	f := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(name + " (ironswarm cluster snapshot)"),
		Type: kind.Enum(),
	}
	families[name] = f
	return f
}

func labelPairs(labels Labels) []*dto.LabelPair {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]*dto.LabelPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(k),
			Value: proto.String(labels[k]),
		})
	}
	return pairs
}
