package producer

import (
	"testing"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/filter"
	"github.com/mrzor/flextrace/internal/memring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProducer(ringSize int) *Producer {
	var now uint64
	return New(memring.New(ringSize), memring.New(ringSize), func() uint64 {
		now++
		return now
	})
}

func readSample(t *testing.T, r *memring.Ring) bpf.Sample {
	t.Helper()
	var rec ringbuf.Record
	require.NoError(t, r.ReadInto(&rec))
	var s bpf.Sample
	require.NoError(t, bpf.DecodeSample(rec.RawSample, &s))
	return s
}

func TestFire_NoFilter(t *testing.T) {
	p := newProducer(1 << 12)

	ok := p.Fire(Task{Pid: 10, Tgid: 9, UID: 1000, GID: 100, Comm: "worker"}, events.CacheMiss)
	require.True(t, ok)

	s := readSample(t, p.Samples)
	assert.Equal(t, uint8(events.CacheMiss), s.EventType)
	assert.Equal(t, uint32(10), s.Pid)
	assert.Equal(t, uint32(9), s.Tgid)
	assert.Equal(t, uint32(1000), s.UID)
	assert.Equal(t, uint32(100), s.GID)
	assert.Equal(t, "worker", s.CommString())
	assert.Equal(t, bpf.NoStack, s.StackID)
	assert.False(t, s.HasStack())
	assert.Equal(t, uint64(1), s.Timestamp)
}

func TestFire_Suppression(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Filters.Put(uint32(1234), bpf.PidConfig{ExcludeMask: uint32(filter.MaskOf(events.PageFaults))}))

	task := Task{Pid: 1234}
	for _, e := range events.All() {
		emitted := p.Fire(task, e)
		assert.Equal(t, e != events.PageFaults, emitted, "event %s", e)
	}
	assert.Equal(t, events.Count-1, p.Samples.Pending()/(bpf.SampleSize+8))

	samples, _ := p.Dropped()
	assert.Zero(t, samples, "suppression is not a drop")
}

func TestFire_WildcardAndSuppressAll(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Filters.Put(uint32(1), bpf.PidConfig{ExcludeMask: events.Any.Bit()}))
	require.NoError(t, p.Filters.Put(uint32(2), bpf.PidConfig{ExcludeMask: bpf.SuppressAll}))

	for _, e := range events.All() {
		assert.False(t, p.Fire(Task{Pid: 1}, e))
		assert.False(t, p.Fire(Task{Pid: 2}, e))
	}
	assert.True(t, p.Fire(Task{Pid: 3}, events.CacheMiss))
}

func TestFire_StackCapture(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Filters.Put(uint32(5), bpf.PidConfig{CaptureStack: 1}))

	frames := []uint64{0x401000, 0x401234, 0x402000}
	require.True(t, p.Fire(Task{Pid: 5, Stack: frames}, events.CPUCycles))

	s := readSample(t, p.Samples)
	require.True(t, s.HasStack())

	var entry [bpf.MaxStackDepth]uint64
	require.NoError(t, p.Stacks.Lookup(uint32(s.StackID), &entry))
	assert.Equal(t, frames, entry[:3])

	// same stack dedupes to the same id
	require.True(t, p.Fire(Task{Pid: 5, Stack: frames}, events.CPUCycles))
	assert.Equal(t, s.StackID, readSample(t, p.Samples).StackID)
}

func TestFire_StackFailureIsNotFatal(t *testing.T) {
	p := newProducer(1 << 12)
	p.Stacks = NewStackTable(1)
	require.NoError(t, p.Filters.Put(uint32(5), bpf.PidConfig{CaptureStack: 1}))

	require.True(t, p.Fire(Task{Pid: 5, Stack: []uint64{1}}, events.CPUCycles))
	s := readSample(t, p.Samples)
	assert.True(t, s.HasStack())

	// the single bucket is taken by a different stack
	require.True(t, p.Fire(Task{Pid: 5, Stack: []uint64{2}}, events.CPUCycles))
	s = readSample(t, p.Samples)
	assert.False(t, s.HasStack())
	assert.Equal(t, bpf.NoStack, s.StackID)

	// no stack available at all
	require.True(t, p.Fire(Task{Pid: 5}, events.CPUCycles))
	s = readSample(t, p.Samples)
	assert.False(t, s.HasStack())
}

func TestFire_FullRingDrops(t *testing.T) {
	p := newProducer(2 * (bpf.SampleSize + 8))

	assert.True(t, p.Fire(Task{Pid: 1}, events.CacheMiss))
	assert.True(t, p.Fire(Task{Pid: 1}, events.CacheMiss))
	assert.False(t, p.Fire(Task{Pid: 1}, events.CacheMiss))

	samples, probeHits := p.Dropped()
	assert.Equal(t, uint64(1), samples)
	assert.Zero(t, probeHits)
}

func TestHit(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Probes.Put(uint64(3), bpf.ProbeConfig{NumArgs: 2}))

	regs := []uint64{11, 22, 33}
	require.True(t, p.Hit(Task{Pid: 8, Comm: "bash"}, 3, regs))
	// unconfigured cookie captures no arguments
	require.True(t, p.Hit(Task{Pid: 8}, 4, regs))

	var rec ringbuf.Record
	var ps bpf.ProbeSample

	require.NoError(t, p.ProbeHits.ReadInto(&rec))
	require.NoError(t, bpf.DecodeProbeSample(rec.RawSample, &ps))
	assert.Equal(t, uint64(3), ps.Cookie)
	assert.Equal(t, []uint64{11, 22}, ps.CapturedArgs())
	assert.Equal(t, "bash", ps.CommString())

	require.NoError(t, p.ProbeHits.ReadInto(&rec))
	require.NoError(t, bpf.DecodeProbeSample(rec.RawSample, &ps))
	assert.Equal(t, uint64(4), ps.Cookie)
	assert.Empty(t, ps.CapturedArgs())
}

func TestHit_ArgumentsClamped(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Probes.Put(uint64(1), &bpf.ProbeConfig{NumArgs: 40}))

	require.True(t, p.Hit(Task{Pid: 1}, 1, []uint64{1, 2, 3, 4, 5, 6, 7, 8}))

	var rec ringbuf.Record
	var ps bpf.ProbeSample
	require.NoError(t, p.ProbeHits.ReadInto(&rec))
	require.NoError(t, bpf.DecodeProbeSample(rec.RawSample, &ps))
	assert.Equal(t, uint32(bpf.MaxProbeArgs), ps.NArgs)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, ps.CapturedArgs())
}

func TestHit_Suppression(t *testing.T) {
	p := newProducer(1 << 12)
	require.NoError(t, p.Filters.Put(uint32(1), bpf.PidConfig{ExcludeMask: uint32(filter.MaskOf(events.CacheMiss))}))
	require.NoError(t, p.Filters.Put(uint32(2), bpf.PidConfig{ExcludeMask: bpf.SuppressAll}))

	assert.True(t, p.Hit(Task{Pid: 1}, 1, nil), "counter-only filters do not apply to probes")
	assert.False(t, p.Hit(Task{Pid: 2}, 1, nil))
}

func TestTable(t *testing.T) {
	tbl := NewTable[uint32, bpf.PidConfig](2)

	require.NoError(t, tbl.Put(uint32(1), bpf.PidConfig{}))
	require.NoError(t, tbl.Put(uint32(2), bpf.PidConfig{}))
	require.NoError(t, tbl.Put(uint32(1), bpf.PidConfig{CaptureStack: 1}), "overwrite of existing key")
	assert.ErrorIs(t, tbl.Put(uint32(3), bpf.PidConfig{}), ErrTableFull)

	assert.ErrorIs(t, tbl.Put(1, bpf.PidConfig{}), ErrKeyType, "untyped int key")
	assert.ErrorIs(t, tbl.Put(uint32(1), "x"), ErrKeyType)

	v, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint8(1), v.CaptureStack)

	require.NoError(t, tbl.Delete(uint32(1)))
	require.NoError(t, tbl.Delete(uint32(1)))
	assert.Equal(t, 1, tbl.Len())
	require.NoError(t, tbl.Put(uint32(3), bpf.PidConfig{}))
}
