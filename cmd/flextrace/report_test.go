package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/probes"
	"github.com/mrzor/flextrace/internal/producer"
	"github.com/mrzor/flextrace/internal/profile"
	"github.com/mrzor/flextrace/internal/stacks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineWithPrefix(t *testing.T, out, prefix string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	t.Fatalf("no line starting with %q in:\n%s", prefix, out)
	return ""
}

func TestWriteReport_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, report{}))
	assert.Equal(t, "No samples collected\n", buf.String())
}

func TestWriteReport(t *testing.T) {
	table := producer.NewStackTable(16)
	id, ok := table.Capture([]uint64{0x401000, 0x402000})
	require.True(t, ok)

	profiles := []profile.Data{
		{
			Pid: 1234, Tgid: 1200, Name: "bash", UID: 1000, GID: 100,
			Counts:      map[events.EventType]uint64{events.PageFaults: 1, events.CacheMiss: 3},
			StackCounts: map[int64]uint64{id: 4, 999: 1},
			ProbeHits:   map[uint64]uint64{1: 2},
		},
		{
			Pid: 5678, Tgid: 5678, Name: "sleep",
			Counts:    map[events.EventType]uint64{events.CacheMiss: 1},
			ProbeHits: map[uint64]uint64{1: 5},
		},
	}
	attached := []probes.Probe{
		{Cookie: 1, Function: "readline", Target: "/bin/bash", Config: bpf.ProbeConfig{NumArgs: 2}},
		{Cookie: 2, Function: "malloc", Target: "/lib/libc.so.6", PID: 42},
	}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, report{
		profiles: profiles,
		probes:   attached,
		stacks:   stacks.NewReader(table),
	}))
	out := buf.String()

	row := strings.Fields(lineWithPrefix(t, out, "1234"))
	assert.Equal(t, []string{"1234", "1200", "bash", "1000", "100", "4", "cache_miss=3,page_faults=1", "2"}, row)

	row = strings.Fields(lineWithPrefix(t, out, "5678"))
	assert.Equal(t, "cache_miss=1", row[6])

	probeRow := strings.Fields(lineWithPrefix(t, out, "1 "))
	assert.Equal(t, []string{"1", "/bin/bash", "readline", "*", "2", "7"}, probeRow)
	probeRow = strings.Fields(lineWithPrefix(t, out, "2 "))
	assert.Equal(t, []string{"2", "/lib/libc.so.6", "malloc", "42", "0", "0"}, probeRow)

	assert.Contains(t, out, "Top stacks:")
	assert.Contains(t, out, "pid 1234 stack 999 x1: <evicted>")
	assert.Contains(t, lineWithPrefix(t, out, "  pid 1234 stack "), "x4: 0x401000 0x402000")
}

func TestWriteCatalogue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeCatalogue(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, events.Count+1)
	assert.Equal(t, []string{"0", "cache_miss", "hardware", "3", "event_cache_miss"}, strings.Fields(lines[1]))
	assert.Contains(t, buf.String(), "event_cgroup_switches")
	assert.NotContains(t, buf.String(), " any ")
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "-", formatCounts(nil))
	assert.Equal(t, "cpu_cycles=2,page_faults=1", formatCounts(map[events.EventType]uint64{
		events.PageFaults: 1,
		events.CPUCycles:  2,
	}))
}
