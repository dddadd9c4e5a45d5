// Package stacks reads user stacks referenced by sample stack ids out of the
// STACK_TRACES table.
package stacks

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/mrzor/flextrace/internal/bpf"
)

// ErrNotFound is returned when the table has no stack under an id, either
// because it was never stored or because a later capture reused the bucket.
var ErrNotFound = errors.New("stack not found")

// Table is the lookup surface of *ebpf.Map and producer.StackTable.
type Table interface {
	Lookup(key, valueOut any) error
}

// Reader resolves stack ids to frames.
type Reader struct {
	table Table
}

// NewReader returns a Reader over table.
func NewReader(table Table) *Reader {
	return &Reader{table: table}
}

// Frames returns the instruction pointers of stack id, innermost first.
func (r *Reader) Frames(id int64) ([]uint64, error) {
	if id < 0 || id > int64(^uint32(0)) {
		return nil, fmt.Errorf("%w: invalid id %d", ErrNotFound, id)
	}

	var entry [bpf.MaxStackDepth]uint64
	if err := r.table.Lookup(uint32(id), &entry); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("looking up stack %d: %w", id, err)
	}
	return trim(entry[:]), nil
}

// Resolve looks up every id in counts, skipping ids that no longer resolve.
func (r *Reader) Resolve(counts map[int64]uint64) map[int64][]uint64 {
	out := make(map[int64][]uint64, len(counts))
	for id := range counts {
		frames, err := r.Frames(id)
		if err != nil {
			continue
		}
		out[id] = frames
	}
	return out
}

// trim cuts the zero padding after the outermost frame.
func trim(entry []uint64) []uint64 {
	n := 0
	for n < len(entry) && entry[n] != 0 {
		n++
	}
	out := make([]uint64, n)
	copy(out, entry[:n])
	return out
}
