// Package timesync converts record timestamps to wall-clock time.
//
// Producers stamp records with bpf_ktime_get_ns, which reads CLOCK_MONOTONIC:
// nanoseconds since boot, not counting suspend. A Clock pins the wall time of
// monotonic zero once at startup and converts by addition.
package timesync
