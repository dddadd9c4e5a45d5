// Package producer is a user-space rendition of the in-kernel event producer
// in internal/bpf/flextrace.bpf.c. It runs the same steps against in-memory
// tables and a memring.Ring: consult the per-process config, optionally
// capture a stack, reserve, fill and submit. It never blocks and never
// returns an error; anything that goes wrong drops the sample.
package producer

import (
	"sync/atomic"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/filter"
	"github.com/mrzor/flextrace/internal/memring"
	"github.com/mrzor/flextrace/internal/telemetry"
)

// Task identifies the code running when an event fires.
type Task struct {
	Pid  uint32 // thread id
	Tgid uint32 // process id
	UID  uint32
	GID  uint32
	Comm string
	// Stack is the user stack at the time of the event, innermost first.
	Stack []uint64
}

// Producer emits samples and probe hits for Tasks.
type Producer struct {
	Filters *Table[uint32, bpf.PidConfig]
	Probes  *Table[uint64, bpf.ProbeConfig]
	Stacks  *StackTable

	Samples   *memring.Ring
	ProbeHits *memring.Ring

	// Clock returns the timestamp stamped on records.
	Clock func() uint64

	// Metrics is optional.
	Metrics *telemetry.Pipeline

	sampleDrops atomic.Uint64
	probeDrops  atomic.Uint64
}

// New returns a producer with tables sized like the kernel maps.
func New(samples, probeHits *memring.Ring, clock func() uint64) *Producer {
	return &Producer{
		Filters:   NewTable[uint32, bpf.PidConfig](bpf.PidConfigMaxEntries),
		Probes:    NewTable[uint64, bpf.ProbeConfig](bpf.ProbeConfigMaxEntries),
		Stacks:    NewStackTable(bpf.StackTraceMaxEntries),
		Samples:   samples,
		ProbeHits: probeHits,
		Clock:     clock,
	}
}

// Fire handles one counter overflow of type e in task. It reports whether a
// sample was emitted.
func (p *Producer) Fire(task Task, e events.EventType) bool {
	stackID := bpf.NoStack
	var flags uint8

	if cfg, ok := p.Filters.Lookup(task.Pid); ok {
		if filter.Mask(cfg.ExcludeMask).Suppresses(e) {
			return false
		}
		if cfg.CaptureStack != 0 && p.Stacks != nil {
			if id, ok := p.Stacks.Capture(task.Stack); ok {
				stackID = id
				flags |= bpf.FlagStack
			}
		}
	}

	res, err := p.Samples.Reserve(bpf.SampleSize)
	if err != nil {
		p.dropSample()
		return false
	}

	s := bpf.Sample{
		Timestamp: p.Clock(),
		Pid:       task.Pid,
		Tgid:      task.Tgid,
		UID:       task.UID,
		GID:       task.GID,
		StackID:   stackID,
		EventType: uint8(e),
		Flags:     flags,
	}
	bpf.SetComm(&s.Comm, task.Comm)

	if err := bpf.EncodeSample(res.Bytes(), &s); err != nil {
		res.Discard()
		p.dropSample()
		return false
	}
	res.Submit()
	return true
}

// Hit handles one function probe hit tagged with cookie. regs are the
// argument registers in call order; missing ones read as zero.
func (p *Producer) Hit(task Task, cookie uint64, regs []uint64) bool {
	if cfg, ok := p.Filters.Lookup(task.Pid); ok && filter.Mask(cfg.ExcludeMask).SuppressesAll() {
		return false
	}

	var nargs uint32
	if cfg, ok := p.Probes.Lookup(cookie); ok {
		nargs = min(cfg.NumArgs, bpf.MaxProbeArgs)
	}

	res, err := p.ProbeHits.Reserve(bpf.ProbeSampleSize)
	if err != nil {
		p.dropProbeHit()
		return false
	}

	ps := bpf.ProbeSample{
		Timestamp: p.Clock(),
		Cookie:    cookie,
		Pid:       task.Pid,
		Tgid:      task.Tgid,
		UID:       task.UID,
		GID:       task.GID,
		NArgs:     nargs,
	}
	copy(ps.Args[:nargs], regs)
	bpf.SetComm(&ps.Comm, task.Comm)

	if err := bpf.EncodeProbeSample(res.Bytes(), &ps); err != nil {
		res.Discard()
		p.dropProbeHit()
		return false
	}
	res.Submit()
	return true
}

// Dropped returns how many samples and probe hits found their ring full.
func (p *Producer) Dropped() (samples, probeHits uint64) {
	return p.sampleDrops.Load(), p.probeDrops.Load()
}

func (p *Producer) dropSample() {
	p.sampleDrops.Add(1)
	if p.Metrics != nil {
		p.Metrics.ProducerDrops(1, telemetry.BufferSamples)
	}
}

func (p *Producer) dropProbeHit() {
	p.probeDrops.Add(1)
	if p.Metrics != nil {
		p.Metrics.ProducerDrops(1, telemetry.BufferProbes)
	}
}
