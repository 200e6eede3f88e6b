package otlp

import (
	"fmt"
	"regexp"
	"strings"
)

// MetricType is the inferred OTLP data shape for a metric name.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricHistogram MetricType = "histogram"
	MetricGauge     MetricType = "gauge"
)

// Built-in heuristics, applied after any configured overrides.
var (
	counterHeuristic   = regexp.MustCompile(`(?i)(_|\.)?(total|count|requests|errors|sum|bytes)$`)
	histogramHeuristic = regexp.MustCompile(`(?i)(bucket|percentile|quantile|histogram|latency|duration)`)
)

// ClassifyOverride pins metric names matching Pattern to Type,
// bypassing the heuristics. First match wins.
type ClassifyOverride struct {
	Pattern string
	Type    MetricType
}

type compiledOverride struct {
	pattern *regexp.Regexp
	typ     MetricType
}

// Classifier maps metric names to OTLP data shapes: configured
// overrides first, then regex heuristics, else gauge.
type Classifier struct {
	overrides []compiledOverride
}

// NewClassifier compiles the override table. An invalid pattern is an
// error: overrides are operator configuration, not telemetry input.
func NewClassifier(overrides []ClassifyOverride) (*Classifier, error) {
	c := &Classifier{}
	for _, o := range overrides {
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid metric type override %q: %w", o.Pattern, err)
		}
		switch o.Type {
		case MetricCounter, MetricHistogram, MetricGauge:
		default:
			return nil, fmt.Errorf("invalid metric type override target %q", o.Type)
		}
		c.overrides = append(c.overrides, compiledOverride{pattern: re, typ: o.Type})
	}
	return c, nil
}

// Classify returns the metric type for a name.
func (c *Classifier) Classify(name string) MetricType {
	for _, o := range c.overrides {
		if o.pattern.MatchString(name) {
			return o.typ
		}
	}
	lower := strings.ToLower(name)
	if counterHeuristic.MatchString(lower) {
		return MetricCounter
	}
	if histogramHeuristic.MatchString(lower) {
		return MetricHistogram
	}
	return MetricGauge
}
