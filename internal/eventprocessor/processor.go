package eventprocessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/telemetry"
	"go.uber.org/zap"
)

// ErrStreamClosed is returned by Run when an input channel closes while the
// context is still live: a consumer task died underneath the session.
var ErrStreamClosed = errors.New("event stream closed unexpectedly")

// SampleMatcher decides whether a sample is aggregated. *selector.Selector
// implements it.
type SampleMatcher interface {
	Match(*bpf.Sample) (bool, error)
}

// Aggregator folds records into profile state. *profile.Profiler implements
// it.
type Aggregator interface {
	Record(*bpf.Sample)
	RecordProbeHit(*bpf.ProbeSample)
}

// Processor coordinates record processing.
type Processor struct {
	aggregator Aggregator
	matcher    SampleMatcher
	logger     *zap.Logger
	metrics    *telemetry.Pipeline
}

// NewProcessor returns a Processor. matcher may be nil.
func NewProcessor(aggregator Aggregator, matcher SampleMatcher, logger *zap.Logger, metrics *telemetry.Pipeline) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	return &Processor{
		aggregator: aggregator,
		matcher:    matcher,
		logger:     logger,
		metrics:    metrics,
	}
}

// HandleSample applies the matcher and aggregates s.
func (p *Processor) HandleSample(s *bpf.Sample) {
	if p.matcher != nil {
		ok, err := p.matcher.Match(s)
		if err != nil {
			p.logger.Debug("selector failed", zap.Uint32("pid", s.Pid), zap.Error(err))
		}
		if !ok {
			p.metrics.Filtered(1)
			return
		}
	}
	p.aggregator.Record(s)
}

// HandleProbeHit aggregates ps.
func (p *Processor) HandleProbeHit(ps *bpf.ProbeSample) {
	p.aggregator.RecordProbeHit(ps)
}

// Run consumes samples and probeHits until both channels are closed. Either
// may be nil. Once ctx is done, Run keeps draining until the streams close
// their channels, and returns nil. A channel closing before that is fatal
// and yields ErrStreamClosed.
func (p *Processor) Run(ctx context.Context, samples <-chan bpf.Sample, probeHits <-chan bpf.ProbeSample) error {
	for samples != nil || probeHits != nil {
		select {
		case s, ok := <-samples:
			if !ok {
				if ctx.Err() == nil {
					return fmt.Errorf("%w: samples", ErrStreamClosed)
				}
				samples = nil
				continue
			}
			p.HandleSample(&s)

		case ps, ok := <-probeHits:
			if !ok {
				if ctx.Err() == nil {
					return fmt.Errorf("%w: probe hits", ErrStreamClosed)
				}
				probeHits = nil
				continue
			}
			p.HandleProbeHit(&ps)
		}
	}
	return nil
}
