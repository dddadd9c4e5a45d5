// Package telemetry exposes flextrace's own pipeline metrics to Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "flextrace"

// Factory produces metrics.
type Factory interface {
	Counter(name string, opts ...Option) CounterFn
	Gauge(name string, opts ...Option) GaugeFn
	ObservableGauge(name string, fn func() float64, opts ...Option)
}

type factory struct {
	registerer prometheus.Registerer
}

// NewFactory returns a Factory registering on registerer.
func NewFactory(registerer prometheus.Registerer) Factory {
	return &factory{registerer: registerer}
}

func build(opts []Option) CommonOptions {
	var options CommonOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Counter registers a counter and returns an increment function.
func (f *factory) Counter(name string, opts ...Option) CounterFn {
	options := build(opts)

	metricOpts := prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name + "_total",
		Help:      "Counter for " + name,
	}
	if options.description != "" {
		metricOpts.Help = options.description
	}

	counter := promauto.With(f.registerer).NewCounterVec(metricOpts, options.labels)
	return func(value float64, labels ...string) {
		counter.WithLabelValues(labels...).Add(value)
	}
}

// Gauge registers a gauge and returns a set function.
func (f *factory) Gauge(name string, opts ...Option) GaugeFn {
	options := build(opts)

	metricOpts := prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      "Gauge for " + name,
	}
	if options.description != "" {
		metricOpts.Help = options.description
	}

	gauge := promauto.With(f.registerer).NewGaugeVec(metricOpts, options.labels)
	return func(value float64, labels ...string) {
		gauge.WithLabelValues(labels...).Set(value)
	}
}

// ObservableGauge registers a gauge whose value is computed on scrape.
func (f *factory) ObservableGauge(name string, fn func() float64, opts ...Option) {
	options := build(opts)
	if len(options.labels) > 0 {
		panic("ObservableGauge does not support labels")
	}

	metricOpts := prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      "Observable gauge for " + name,
	}
	if options.description != "" {
		metricOpts.Help = options.description
	}

	promauto.With(f.registerer).NewGaugeFunc(metricOpts, fn)
}
