package eventprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/eventstream"
	"github.com/mrzor/flextrace/internal/filter"
	"github.com/mrzor/flextrace/internal/memring"
	"github.com/mrzor/flextrace/internal/producer"
	"github.com/mrzor/flextrace/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Drives the whole user-space path: filter rules into the producer's config
// table, samples through the ring and the consumer, into the aggregator.
func TestPipeline_FilterSuppressesBeforeRing(t *testing.T) {
	selected, err := events.ParseSelection("cache_miss,page_faults")
	require.NoError(t, err)

	rule, err := filter.Parse("1234:page_faults")
	require.NoError(t, err)

	prod := producer.New(memring.New(bpf.RingBufferSize), memring.New(bpf.RingBufferSize), func() uint64 { return 1 })
	for pid, cfg := range filter.Compile([]filter.Rule{rule}, nil) {
		require.NoError(t, prod.Filters.Put(pid, cfg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples := eventstream.New("samples", prod.Samples, bpf.DecodeSample)
	probeHits := eventstream.New("probes", prod.ProbeHits, bpf.DecodeProbeSample)
	require.NoError(t, samples.Start(ctx))
	require.NoError(t, probeHits.Start(ctx))

	prof := profile.New(nil)
	proc := NewProcessor(prof, nil, nil, nil)
	done := make(chan error, 1)
	go func() {
		done <- proc.Run(ctx, samples.Records(), probeHits.Records())
	}()

	active := make(map[events.EventType]bool)
	for _, e := range selected {
		active[e] = true
	}
	fire := func(pid uint32, e events.EventType) bool {
		require.True(t, active[e], "%s is not selected", e)
		return prod.Fire(producer.Task{Pid: pid, Tgid: pid}, e)
	}

	assert.True(t, fire(1234, events.CacheMiss))
	assert.False(t, fire(1234, events.PageFaults), "suppressed before reaching the ring")
	assert.True(t, fire(5678, events.CacheMiss))

	want := map[uint32]map[events.EventType]uint64{
		1234: {events.CacheMiss: 1},
		5678: {events.CacheMiss: 1},
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, prof.Counts())
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
	require.NoError(t, samples.Wait())
	require.NoError(t, probeHits.Wait())

	assert.Equal(t, eventstream.Stats{Read: 2, Forwarded: 2}, samples.Stats())
	assert.Equal(t, want, prof.Counts())
}

func TestPipeline_ProbeHits(t *testing.T) {
	prod := producer.New(memring.New(1<<16), memring.New(1<<16), func() uint64 { return 1 })
	require.NoError(t, prod.Probes.Put(uint64(1), bpf.ProbeConfig{NumArgs: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probeHits := eventstream.New("probes", prod.ProbeHits, bpf.DecodeProbeSample)
	require.NoError(t, probeHits.Start(ctx))

	prof := profile.New(nil)
	go func() {
		_ = NewProcessor(prof, nil, nil, nil).Run(ctx, nil, probeHits.Records())
	}()

	for i := 0; i < 3; i++ {
		require.True(t, prod.Hit(producer.Task{Pid: 99, Comm: "bash"}, 1, []uint64{uint64(i)}))
	}

	require.Eventually(t, func() bool {
		d, ok := prof.Get(99)
		return ok && d.ProbeHits[1] == 3
	}, time.Second, time.Millisecond)
}
