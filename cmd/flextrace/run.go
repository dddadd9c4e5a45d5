package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/bpfloader"
	"github.com/mrzor/flextrace/internal/config"
	"github.com/mrzor/flextrace/internal/eventprocessor"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/eventstream"
	"github.com/mrzor/flextrace/internal/filter"
	"github.com/mrzor/flextrace/internal/probes"
	"github.com/mrzor/flextrace/internal/profile"
	"github.com/mrzor/flextrace/internal/selector"
	"github.com/mrzor/flextrace/internal/stacks"
	"github.com/mrzor/flextrace/internal/telemetry"
	"github.com/mrzor/flextrace/internal/timesync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SessionFlags are shared by run and simulate.
type SessionFlags struct {
	Events    string          `name:"events" short:"e" help:"Comma separated events to sample, or \"all\"." default:"all"`
	Exclude   []filter.Rule   `name:"exclude" short:"x" help:"Suppress events for a process: <pid>[:<event>,...]. Repeatable." sep:"none"`
	Stack     []uint32        `name:"stack" help:"Capture user stacks for this pid. Repeatable."`
	Probe     []probes.Target `name:"probe" help:"Probe a function: <path>:<function>. Repeatable." sep:"none"`
	ProbePID  int             `name:"probe-pid" help:"Only probe this process."`
	ProbeArgs uint32          `name:"probe-args" help:"Number of integer arguments to capture per probe hit."`
	Select    string          `name:"select" help:"Only aggregate samples matching this expression, e.g. 'comm == \"bash\"'."`
	Duration  time.Duration   `name:"duration" short:"d" help:"Stop after this long. Zero runs until interrupted."`
	Capacity  int             `name:"channel-capacity" help:"Consumer channel capacity. Overrides the config file."`
}

func (f *SessionFlags) overlay(cfg *config.Config) {
	if f.Capacity > 0 {
		cfg.Stream.ChannelCapacity = f.Capacity
	}
}

func (f *SessionFlags) probeConfig() bpf.ProbeConfig {
	n := f.ProbeArgs
	if n > bpf.MaxProbeArgs {
		n = bpf.MaxProbeArgs
	}
	return bpf.ProbeConfig{NumArgs: n}
}

// attachProbes attaches every --probe and applies --probe-args.
func (f *SessionFlags) attachProbes(ctx context.Context, m *probes.Manager) error {
	for _, t := range f.Probe {
		cookie, err := m.Attach(ctx, t.Function, t.Path, f.ProbePID)
		if err != nil {
			return err
		}
		if f.ProbeArgs > 0 {
			if err := m.UpdateConfig(ctx, cookie, f.probeConfig()); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunCmd samples the live system.
type RunCmd struct {
	SessionFlags

	Object string `name:"object" help:"Compiled producer object. Overrides the config file and the embedded object." type:"path"`
	Period uint64 `name:"period" help:"Counter overflows per sample. Overrides the config file."`
}

// Run executes the run command.
func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	selected, err := events.ParseSelection(c.Events)
	if err != nil {
		return err
	}
	sel, err := selector.Compile(c.Select)
	if err != nil {
		return err
	}

	s, err := g.session(ctx, func(cfg *config.Config) {
		c.overlay(cfg)
		if c.Object != "" {
			cfg.Object.Path = c.Object
		}
		if c.Period > 0 {
			cfg.Sampling.Period = c.Period
		}
	})
	if err != nil {
		return err
	}
	defer s.close()

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock limit: %w", err)
	}

	clock, err := timesync.New()
	if err != nil {
		return fmt.Errorf("creating clock: %w", err)
	}

	loader, manager, err := c.setup(ctx, s, selected)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			s.logger.Warn("detaching probes", zap.Error(err))
		}
		if err := loader.Close(); err != nil {
			s.logger.Warn("closing loader", zap.Error(err))
		}
	}()

	sampleReader, err := loader.OpenRingBuffer(bpf.MapPerfEvents)
	if err != nil {
		return err
	}
	probeReader, err := loader.OpenRingBuffer(bpf.MapProbeEvents)
	if err != nil {
		_ = sampleReader.Close()
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, c.Duration)
		defer cancel()
	}

	opts := []eventstream.Option{
		eventstream.WithCapacity(s.cfg.Stream.ChannelCapacity),
		eventstream.WithLogger(s.logger),
		eventstream.WithMetrics(s.metrics),
	}
	samples := eventstream.New(telemetry.BufferSamples, sampleReader, bpf.DecodeSample, opts...)
	probeHits := eventstream.New(telemetry.BufferProbes, probeReader, bpf.DecodeProbeSample, opts...)

	prof := profile.New(clock.WallTime)
	s.metrics.ObserveProcesses(prof.Len)

	var matcher eventprocessor.SampleMatcher
	if sel != nil {
		matcher = sel
	}
	proc := eventprocessor.NewProcessor(prof, matcher, s.logger, s.metrics)

	if err := samples.Start(runCtx); err != nil {
		return err
	}
	if err := probeHits.Start(runCtx); err != nil {
		_ = samples.Stop()
		return err
	}

	s.logger.Info("sampling",
		zap.Int("events", len(selected)),
		zap.Int("probes", len(manager.List())),
		zap.Duration("duration", c.Duration),
	)

	runErr := proc.Run(runCtx, samples.Records(), probeHits.Records())
	if runErr != nil {
		stop()
	}
	runErr = errors.Join(runErr, samples.Wait(), probeHits.Wait())

	_, _, stackMap, err := loader.Maps()
	if err != nil {
		return errors.Join(runErr, err)
	}
	reportErr := writeReport(g.out(), report{
		profiles: prof.Snapshot(),
		probes:   manager.List(),
		stacks:   stacks.NewReader(stackMap),
	})
	return errors.Join(runErr, reportErr)
}

// setup loads the producer, writes the filters and attaches counters and
// probes, all under one span.
func (c *RunCmd) setup(ctx context.Context, s *session, selected []events.EventType) (_ *bpfloader.Loader, _ *probes.Manager, err error) {
	ctx, span := s.tracer.Start(ctx, "flextrace.setup")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	loader, err := bpfloader.New(s.cfg.Object.Path, s.logger, s.metrics)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*bpfloader.Loader, *probes.Manager, error) {
		if cerr := loader.Close(); cerr != nil {
			s.logger.Warn("closing loader after setup failure", zap.Error(cerr))
		}
		return nil, nil, err
	}

	pidConfig, probeConfig, _, err := loader.Maps()
	if err != nil {
		return fail(err)
	}

	n, err := filter.Apply(pidConfig, c.Exclude, c.Stack)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("filters", n))

	attached := 0
	for _, e := range selected {
		cpus, err := loader.AttachCounter(e, s.cfg.Sampling.Period)
		if err != nil {
			s.logger.Warn("counter unavailable", zap.Stringer("event", e), zap.Error(err))
			continue
		}
		s.logger.Debug("counter attached", zap.Stringer("event", e), zap.Int("cpus", cpus))
		attached++
	}
	span.SetAttributes(attribute.Int("counters", attached))

	manager := probes.NewManager(loader, probeConfig,
		probes.WithLogger(s.logger),
		probes.WithMetrics(s.metrics),
		probes.WithTracer(s.tracer),
	)
	if err := c.attachProbes(ctx, manager); err != nil {
		if cerr := manager.Close(); cerr != nil {
			s.logger.Warn("detaching probes after setup failure", zap.Error(cerr))
		}
		return fail(err)
	}

	if attached == 0 && len(c.Probe) == 0 {
		return fail(errors.New("no counter could be attached"))
	}
	return loader, manager, nil
}
