// Package probes manages dynamically attached function probes.
//
// Every probe is identified by a cookie: a 64-bit id allocated from a
// counter that starts at 1 and only moves forward. The kernel hands the
// cookie to probe_handler, which uses it to find the probe's configuration
// in PROBE_CONFIG. The Manager keeps the live link and a mirror of the
// configuration under the same cookie, and creates and removes them together.
package probes
