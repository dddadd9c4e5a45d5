package producer

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/mrzor/flextrace/internal/bpf"
)

// StackTable stores deduplicated stacks like a BPF_MAP_TYPE_STACK_TRACE map:
// a stack hashes to a bucket, and a bucket already holding a different stack
// rejects the capture.
type StackTable struct {
	mu      sync.RWMutex
	buckets map[uint32][bpf.MaxStackDepth]uint64
	size    uint32
}

// NewStackTable returns a table with maxEntries buckets.
func NewStackTable(maxEntries int) *StackTable {
	return &StackTable{
		buckets: make(map[uint32][bpf.MaxStackDepth]uint64),
		size:    uint32(maxEntries),
	}
}

// Capture stores frames and returns its id, or false on a bucket collision.
// Frames past bpf.MaxStackDepth are cut off.
func (st *StackTable) Capture(frames []uint64) (int64, bool) {
	if len(frames) == 0 || st.size == 0 {
		return 0, false
	}

	var entry [bpf.MaxStackDepth]uint64
	n := copy(entry[:], frames)

	h := fnv.New32a()
	var b [8]byte
	for _, pc := range entry[:n] {
		binary.LittleEndian.PutUint64(b[:], pc)
		_, _ = h.Write(b[:])
	}
	id := h.Sum32() % st.size

	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.buckets[id]; ok && existing != entry {
		return 0, false
	}
	st.buckets[id] = entry
	return int64(id), true
}

// Lookup copies the stack stored under key into valueOut, following the
// *ebpf.Map calling convention: key is a uint32 and valueOut a
// *[bpf.MaxStackDepth]uint64.
func (st *StackTable) Lookup(key, valueOut any) error {
	id, err := as[uint32](key)
	if err != nil {
		return err
	}
	out, ok := valueOut.(*[bpf.MaxStackDepth]uint64)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrKeyType, valueOut)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.buckets[id]
	if !ok {
		return fmt.Errorf("stack %d: %w", id, ebpf.ErrKeyNotExist)
	}
	*out = entry
	return nil
}
