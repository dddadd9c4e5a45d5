// Package events is the catalogue of monitorable counter events.
//
// Every event has a stable numeric id that is shared with the in-kernel
// producer: it is the suffix of the producer program name, the value stored
// in Sample.EventType and the bit position inside a per-process exclusion
// mask. Ids are dense over [0, Count); the two sentinels Any and None sit
// directly above the real events.
//
// The ids are part of the kernel/user ABI. Reordering them requires bumping
// bpf.ABIVersion and the matching constants in flextrace.h.
package events
