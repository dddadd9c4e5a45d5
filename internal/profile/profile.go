package profile

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
)

// Data is the aggregate of one process.
type Data struct {
	Pid  uint32
	Tgid uint32
	// Name is the last command name seen.
	Name string
	UID  uint32
	// GID follows the latest sample.
	GID uint32

	Counts      map[events.EventType]uint64
	StackCounts map[int64]uint64
	ProbeHits   map[uint64]uint64

	FirstSeen time.Time
	LastSeen  time.Time
}

// Total returns the number of counter samples aggregated for the process.
func (d *Data) Total() uint64 {
	var n uint64
	for _, c := range d.Counts {
		n += c
	}
	return n
}

func (d *Data) clone() Data {
	out := *d
	out.Counts = maps.Clone(d.Counts)
	out.StackCounts = maps.Clone(d.StackCounts)
	out.ProbeHits = maps.Clone(d.ProbeHits)
	return out
}

// Profiler is the aggregator.
type Profiler struct {
	mu    sync.RWMutex
	procs map[uint32]*Data
	// wallTime converts record timestamps; nil leaves FirstSeen/LastSeen zero.
	wallTime func(uint64) time.Time
}

// New returns an empty Profiler. wallTime may be nil.
func New(wallTime func(uint64) time.Time) *Profiler {
	return &Profiler{
		procs:    make(map[uint32]*Data),
		wallTime: wallTime,
	}
}

func (p *Profiler) getOrCreate(pid uint32) *Data {
	d := p.procs[pid]
	if d == nil {
		d = &Data{
			Pid:         pid,
			Counts:      make(map[events.EventType]uint64),
			StackCounts: make(map[int64]uint64),
			ProbeHits:   make(map[uint64]uint64),
		}
		p.procs[pid] = d
	}
	return d
}

func (p *Profiler) touch(d *Data, timestamp uint64) {
	if p.wallTime == nil {
		return
	}
	t := p.wallTime(timestamp)
	if d.FirstSeen.IsZero() || t.Before(d.FirstSeen) {
		d.FirstSeen = t
	}
	if t.After(d.LastSeen) {
		d.LastSeen = t
	}
}

// Record folds a counter sample into the profile of s.Pid.
func (p *Profiler) Record(s *bpf.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.getOrCreate(s.Pid)
	d.Counts[events.EventType(s.EventType)]++
	d.GID = s.GID
	d.UID = s.UID
	d.Tgid = s.Tgid
	if name := s.CommString(); name != "" {
		d.Name = name
	}
	if s.HasStack() {
		d.StackCounts[s.StackID]++
	}
	p.touch(d, s.Timestamp)
}

// RecordProbeHit folds a probe hit into the profile of ps.Pid.
func (p *Profiler) RecordProbeHit(ps *bpf.ProbeSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.getOrCreate(ps.Pid)
	d.ProbeHits[ps.Cookie]++
	d.GID = ps.GID
	d.UID = ps.UID
	d.Tgid = ps.Tgid
	if name := ps.CommString(); name != "" {
		d.Name = name
	}
	p.touch(d, ps.Timestamp)
}

// Get returns a copy of the profile of pid.
func (p *Profiler) Get(pid uint32) (Data, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, ok := p.procs[pid]
	if !ok {
		return Data{}, false
	}
	return d.clone(), true
}

// Len returns the number of tracked processes.
func (p *Profiler) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.procs)
}

// Snapshot returns copies of every profile, sorted by pid.
func (p *Profiler) Snapshot() []Data {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Data, 0, len(p.procs))
	for _, pid := range slices.Sorted(maps.Keys(p.procs)) {
		out = append(out, p.procs[pid].clone())
	}
	return out
}

// Counts returns pid → event → count, the shape profilers consume.
func (p *Profiler) Counts() map[uint32]map[events.EventType]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[uint32]map[events.EventType]uint64, len(p.procs))
	for pid, d := range p.procs {
		out[pid] = maps.Clone(d.Counts)
	}
	return out
}
