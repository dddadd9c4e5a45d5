package telemetry

import (
	"slices"
	"strings"
)

// CounterFn increments a counter, accepting optional label values.
type CounterFn func(float64, ...string)

// GaugeFn sets a gauge, accepting optional label values.
type GaugeFn func(float64, ...string)

// CommonOptions holds the options shared by counters and gauges.
type CommonOptions struct {
	description string
	labels      []string
}

// Option modifies CommonOptions.
type Option func(*CommonOptions)

// WithDescription sets the help text of the metric.
func WithDescription(description string) Option {
	return func(o *CommonOptions) {
		o.description = description
	}
}

// WithLabels sets the label names of the metric.
func WithLabels(labels ...string) Option {
	return func(o *CommonOptions) {
		o.labels = labels
	}
}

// SnakeCase joins non empty segments with underscores.
func SnakeCase(segments ...string) string {
	segments = slices.DeleteFunc(segments, func(s string) bool {
		return s == ""
	})
	return strings.Join(segments, "_")
}
