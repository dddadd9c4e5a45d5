//go:build flextrace_embed

package bpf

import "github.com/cilium/ebpf"

// Embedded reports whether the producer object is compiled into the binary.
const Embedded = true

// LoadSpec returns the collection spec of the embedded producer object.
func LoadSpec() (*ebpf.CollectionSpec, error) {
	return loadFlextrace()
}
