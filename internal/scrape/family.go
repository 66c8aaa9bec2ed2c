package scrape

import (
	"sort"

	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"
)

// Label is one label name and value of a sample.
type Label struct {
	Name  string
	Value string
}

// Sample is one gauge value. Labels are in declaration order: static labels
// first, then column labels.
type Sample struct {
	Labels []Label
	Value  float64
}

// MetricFamily groups the samples of one metric name. Every family produced
// by the engine is a gauge.
type MetricFamily struct {
	Name    string
	Help    string
	Samples []Sample
}

// ToDTO converts f to its client_model form. Label pairs are sorted by name
// as the exposition format requires.
func (f MetricFamily) ToDTO() *dto.MetricFamily {
	out := &dto.MetricFamily{
		Name:   proto.String(f.Name),
		Help:   proto.String(f.Help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: make([]*dto.Metric, 0, len(f.Samples)),
	}
	for _, s := range f.Samples {
		pairs := make([]*dto.LabelPair, 0, len(s.Labels))
		for _, l := range s.Labels {
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(l.Name), Value: proto.String(l.Value)})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
		out.Metric = append(out.Metric, &dto.Metric{
			Label: pairs,
			Gauge: &dto.Gauge{Value: proto.Float64(s.Value)},
		})
	}
	return out
}

// Merge concatenates the samples of families sharing a name. The first help
// string seen wins and families keep the order of their first appearance.
func Merge(families []MetricFamily) []MetricFamily {
	index := make(map[string]int, len(families))
	out := make([]MetricFamily, 0, len(families))
	for _, f := range families {
		if i, ok := index[f.Name]; ok {
			out[i].Samples = append(out[i].Samples, f.Samples...)
			continue
		}
		index[f.Name] = len(out)
		f.Samples = append([]Sample(nil), f.Samples...)
		out = append(out, f)
	}
	return out
}

// Find returns the family called name.
func Find(families []MetricFamily, name string) (MetricFamily, bool) {
	for _, f := range families {
		if f.Name == name {
			return f, true
		}
	}
	return MetricFamily{}, false
}
