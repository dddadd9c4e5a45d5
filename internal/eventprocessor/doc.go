// Package eventprocessor routes decoded records to the aggregator.
//
// Architecture:
//
//	┌──────────────────┐     ┌──────────────────┐
//	│ PERF_EVENTS ring │     │ PROBE_EVENTS ring│
//	└────────┬─────────┘     └────────┬─────────┘
//	         │ eventstream             │ eventstream
//	         ▼                         ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │
//	│   - samples → selector → profile.Record │
//	│   - probe hits → profile.RecordProbeHit │
//	└─────────────────────────────────────────┘
//
// The two rings are drained independently; there is no ordering between a
// sample and a probe hit.
package eventprocessor
