package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const metricPrefix = "statussync_agent_"

type metricRow struct {
	name  string
	value float64
}

// summarize parses a Prometheus text exposition and returns one row per
// family whose name starts with prefix, summed across label sets. Histograms
// report their sample count.
func summarize(r io.Reader, prefix string) ([]metricRow, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("agentctl: parse metrics: %w", err)
	}

	rows := make([]metricRow, 0, len(mfs))
	for name, mf := range mfs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rows = append(rows, metricRow{name: name, value: sumFamily(mf)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows, nil
}

// sumFamily adds up all counter, gauge, untyped or histogram-count values in
// a MetricFamily. Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		}
	}
	return total
}
