// Package bpf holds the kernel/user ABI of flextrace: Go mirrors of the
// records and map values declared in flextrace.h, plus the names of the maps
// and programs found in the compiled producer object.
package bpf

import "errors"

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -target amd64 -tags flextrace_embed flextrace ./flextrace.bpf.c -- -I. -O2 -g -Wall

// ErrNotEmbedded is returned by LoadSpec in binaries built without the
// flextrace_embed tag.
var ErrNotEmbedded = errors.New("producer object not embedded, build with -tags flextrace_embed or pass an object path")

// ABIVersion changes whenever a record layout or the event catalogue order
// changes. It must match FT_ABI_VERSION in flextrace.h.
const ABIVersion = 1

// Map names in the producer object.
const (
	MapPerfEvents  = "PERF_EVENTS"
	MapProbeEvents = "PROBE_EVENTS"
	MapPidConfig   = "PID_CONFIG"
	MapProbeConfig = "PROBE_CONFIG"
	MapStackTraces = "STACK_TRACES"
)

// Map capacities. They bound what user space may write.
const (
	PidConfigMaxEntries   = 10000
	ProbeConfigMaxEntries = 300
	StackTraceMaxEntries  = 5000
	// RingBufferSize is the byte size of each ring buffer. Must be a power
	// of two multiple of the page size.
	RingBufferSize = 4 << 20
)

// ProgramProbeHandler is the uprobe program every function probe attaches.
const ProgramProbeHandler = "probe_handler"

// MaxStackDepth is the number of frames stored per stack trace entry
// (PERF_MAX_STACK_DEPTH).
const MaxStackDepth = 127
