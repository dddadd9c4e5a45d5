// Package profile aggregates samples and probe hits into per-process
// counters.
//
// Entries are created on the first sample of a pid and never evicted; they
// live as long as the tool. A Profiler is safe for concurrent use, and
// Snapshot returns deep copies the caller may keep.
package profile
