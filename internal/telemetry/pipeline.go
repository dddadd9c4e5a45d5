package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Buffer label values.
const (
	BufferSamples = "samples"
	BufferProbes  = "probes"
)

// Pipeline groups the metrics updated along the record path and by the
// probe manager.
type Pipeline struct {
	factory Factory

	// RecordsRead counts records taken off a ring buffer. Label: buffer.
	RecordsRead CounterFn
	// RecordsForwarded counts records handed to the downstream channel.
	RecordsForwarded CounterFn
	// RecordsMalformed counts records dropped because they failed to decode.
	RecordsMalformed CounterFn
	// ProducerDrops counts samples the software producer could not reserve
	// space for.
	ProducerDrops CounterFn
	// Filtered counts samples rejected by the user-space selector.
	Filtered CounterFn

	ProbesAttached      CounterFn
	ProbesDetached      CounterFn
	ProbeAttachFailures CounterFn
	// CounterAttachFailures counts per-CPU counter attachments that were
	// skipped. Label: event.
	CounterAttachFailures CounterFn

	ActiveProbes GaugeFn
}

// NewPipeline registers the pipeline metrics on f.
func NewPipeline(f Factory) *Pipeline {
	buffer := WithLabels("buffer")
	return &Pipeline{
		factory:          f,
		RecordsRead:      f.Counter("records_read", buffer, WithDescription("Records read from a ring buffer")),
		RecordsForwarded: f.Counter("records_forwarded", buffer, WithDescription("Records forwarded downstream")),
		RecordsMalformed: f.Counter("records_malformed", buffer, WithDescription("Records dropped because they could not be decoded")),
		ProducerDrops:    f.Counter("producer_drops", buffer, WithDescription("Samples dropped by the producer on a full ring buffer")),
		Filtered:         f.Counter("records_filtered", WithDescription("Samples rejected by the selector expression")),

		ProbesAttached:        f.Counter("probes_attached", WithDescription("Function probes attached")),
		ProbesDetached:        f.Counter("probes_detached", WithDescription("Function probes detached")),
		ProbeAttachFailures:   f.Counter("probe_attach_failures", WithDescription("Function probe attachments that failed")),
		CounterAttachFailures: f.Counter("counter_attach_failures", WithLabels("event"), WithDescription("Per-CPU counter attachments skipped")),

		ActiveProbes: f.Gauge("active_probes", WithDescription("Function probes currently attached")),
	}
}

// ObserveProcesses exports the number of processes tracked by the aggregator.
func (p *Pipeline) ObserveProcesses(fn func() int) {
	p.factory.ObservableGauge("tracked_processes", func() float64 {
		return float64(fn())
	}, WithDescription("Processes with at least one aggregated sample"))
}

// Discard returns a Pipeline registered on a private registry nobody
// scrapes.
func Discard() *Pipeline {
	return NewPipeline(NewFactory(prometheus.NewRegistry()))
}
