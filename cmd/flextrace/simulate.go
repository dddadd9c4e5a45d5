package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/eventprocessor"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/eventstream"
	"github.com/mrzor/flextrace/internal/filter"
	"github.com/mrzor/flextrace/internal/memring"
	"github.com/mrzor/flextrace/internal/probes"
	"github.com/mrzor/flextrace/internal/producer"
	"github.com/mrzor/flextrace/internal/profile"
	"github.com/mrzor/flextrace/internal/selector"
	"github.com/mrzor/flextrace/internal/stacks"
	"github.com/mrzor/flextrace/internal/telemetry"
	"github.com/mrzor/flextrace/internal/timesync"
	"go.uber.org/zap"
)

const (
	simulateTick            = 10 * time.Millisecond
	defaultSimulateDuration = time.Second
	// probeHitEvery is the number of counter firings between probe hits of
	// a synthetic process.
	probeHitEvery = 10
)

// SimulateCmd runs the user-space pipeline against the software producer.
// It needs no privileges.
type SimulateCmd struct {
	SessionFlags

	Rate int      `name:"rate" help:"Synthetic counter firings per second." default:"1000"`
	PIDs []uint32 `name:"pid" help:"Synthetic process ids." default:"1234,5678"`
}

// Run executes the simulate command.
func (c *SimulateCmd) Run(ctx context.Context, g *Globals) error {
	if c.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", c.Rate)
	}
	if len(c.PIDs) == 0 {
		return errors.New("at least one --pid is required")
	}
	selected, err := events.ParseSelection(c.Events)
	if err != nil {
		return err
	}
	sel, err := selector.Compile(c.Select)
	if err != nil {
		return err
	}

	s, err := g.session(ctx, c.overlay)
	if err != nil {
		return err
	}
	defer s.close()

	clock, err := timesync.New()
	if err != nil {
		return fmt.Errorf("creating clock: %w", err)
	}

	prod := producer.New(memring.New(bpf.RingBufferSize), memring.New(bpf.RingBufferSize), clock.Now)
	prod.Metrics = s.metrics

	if _, err := filter.Apply(prod.Filters, c.Exclude, c.Stack); err != nil {
		return err
	}

	attacher := newSimAttacher()
	manager := probes.NewManager(attacher, prod.Probes,
		probes.WithLogger(s.logger),
		probes.WithMetrics(s.metrics),
		probes.WithTracer(s.tracer),
	)
	defer func() {
		if err := manager.Close(); err != nil {
			s.logger.Warn("detaching probes", zap.Error(err))
		}
	}()
	if err := c.attachProbes(ctx, manager); err != nil {
		return err
	}

	duration := c.Duration
	if duration <= 0 {
		duration = defaultSimulateDuration
	}
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(runCtx, duration)
	defer cancel()

	opts := []eventstream.Option{
		eventstream.WithCapacity(s.cfg.Stream.ChannelCapacity),
		eventstream.WithLogger(s.logger),
		eventstream.WithMetrics(s.metrics),
	}
	samples := eventstream.New(telemetry.BufferSamples, prod.Samples, bpf.DecodeSample, opts...)
	probeHits := eventstream.New(telemetry.BufferProbes, prod.ProbeHits, bpf.DecodeProbeSample, opts...)

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

	procDone := make(chan error, 1)
	go func() {
		procDone <- proc.Run(runCtx, samples.Records(), probeHits.Records())
	}()

	sim := &simulation{
		producer: prod,
		attacher: attacher,
		tasks:    syntheticTasks(c.PIDs),
		events:   selected,
	}
	fired := sim.drive(runCtx, c.Rate)

	runErr := <-procDone
	cancel()
	runErr = errors.Join(runErr, samples.Wait(), probeHits.Wait())

	sampleDrops, probeDrops := prod.Dropped()
	s.logger.Info("simulation finished",
		zap.Uint64("fired", fired),
		zap.Uint64("sample_drops", sampleDrops),
		zap.Uint64("probe_drops", probeDrops),
	)

	reportErr := writeReport(g.out(), report{
		profiles: prof.Snapshot(),
		probes:   manager.List(),
		stacks:   stacks.NewReader(prod.Stacks),
	})
	return errors.Join(runErr, reportErr)
}

func syntheticTasks(pids []uint32) []producer.Task {
	tasks := make([]producer.Task, len(pids))
	for i, pid := range pids {
		tasks[i] = producer.Task{
			Pid:  pid,
			Tgid: pid,
			UID:  1000,
			GID:  1000,
			Comm: fmt.Sprintf("sim-%d", pid),
		}
	}
	return tasks
}

// simulation fires the selected events round robin over its tasks.
type simulation struct {
	producer *producer.Producer
	attacher *simAttacher
	tasks    []producer.Task
	events   []events.EventType

	n uint64
}

// drive fires rate events per second until ctx is done and returns the
// number of firings attempted.
func (s *simulation) drive(ctx context.Context, rate int) uint64 {
	perTick := max(1, rate*int(simulateTick)/int(time.Second))

	ticker := time.NewTicker(simulateTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.n
		case <-ticker.C:
			for range perTick {
				s.step()
			}
		}
	}
}

func (s *simulation) step() {
	i := s.n
	s.n++

	task := s.tasks[i%uint64(len(s.tasks))]
	e := s.events[(i/uint64(len(s.tasks)))%uint64(len(s.events))]
	task.Stack = []uint64{
		0x400000 + uint64(task.Pid)&0xfff0,
		0x401000 + uint64(e)*0x10,
		0x402000,
	}
	s.producer.Fire(task, e)

	if i%probeHitEvery != 0 {
		return
	}
	for _, cookie := range s.attacher.cookies(task.Pid) {
		s.producer.Hit(task, cookie, []uint64{i, uint64(task.Pid), uint64(e), 0, 0, 0})
	}
}

// simAttacher stands in for the loader: attached probes are recorded and
// hit by the simulation.
type simAttacher struct {
	mu    sync.Mutex
	hooks map[uint64]int // cookie to pid, 0 for every process
}

func newSimAttacher() *simAttacher {
	return &simAttacher{hooks: make(map[uint64]int)}
}

func (a *simAttacher) HasProgram(name string) bool {
	return name == bpf.ProgramProbeHandler
}

func (a *simAttacher) AttachUprobe(_, _, _ string, pid int, cookie uint64) (io.Closer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks[cookie] = pid
	return closerFunc(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.hooks, cookie)
		return nil
	}), nil
}

// cookies returns the probes that fire in pid, in cookie order.
func (a *simAttacher) cookies(pid uint32) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []uint64
	for _, cookie := range slices.Sorted(maps.Keys(a.hooks)) {
		if p := a.hooks[cookie]; p == 0 || p == int(pid) {
			out = append(out, cookie)
		}
	}
	return out
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
