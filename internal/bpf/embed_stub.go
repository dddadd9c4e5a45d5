//go:build !flextrace_embed

package bpf

import "github.com/cilium/ebpf"

// Embedded reports whether the producer object is compiled into the binary.
const Embedded = false

// LoadSpec fails with ErrNotEmbedded; the object must be loaded from a path.
func LoadSpec() (*ebpf.CollectionSpec, error) {
	return nil, ErrNotEmbedded
}
