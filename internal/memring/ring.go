// Package memring is an in-memory ring buffer with the reserve/submit
// contract of the kernel BPF ring buffer. It backs the software producer so
// the user-space pipeline can run without privileges.
//
// Records become visible to the reader only once submitted, and are read in
// reservation order: an outstanding reservation at the head holds back every
// record reserved after it.
package memring

import (
	"errors"
	"sync"

	"github.com/cilium/ebpf/ringbuf"
)

// headerSize mirrors BPF_RINGBUF_HDR_SZ.
const headerSize = 8

// ErrFull is returned by Reserve when the ring has no room for the record.
var ErrFull = errors.New("ring buffer full")

type slotState uint8

const (
	busy slotState = iota
	submitted
	discarded
)

type slot struct {
	data  []byte
	state slotState
}

// Ring is safe for concurrent producers and a single reader.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	used   int
	slots  []*slot
	closed bool
}

// New returns a ring holding at most size bytes of records and headers.
func New(size int) *Ring {
	r := &Ring{size: size}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func footprint(n int) int {
	return headerSize + (n+7)&^7
}

// Reservation is space claimed in the ring. Exactly one of Submit or Discard
// must be called.
type Reservation struct {
	ring *Ring
	slot *slot
}

// Reserve claims n bytes. It never blocks: a full or closed ring fails with
// ErrFull.
func (r *Ring) Reserve(n int) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	need := footprint(n)
	if r.closed || r.used+need > r.size {
		return nil, ErrFull
	}
	r.used += need

	s := &slot{data: make([]byte, n)}
	r.slots = append(r.slots, s)
	return &Reservation{ring: r, slot: s}, nil
}

// Bytes is the reserved space.
func (res *Reservation) Bytes() []byte {
	return res.slot.data
}

// Submit makes the record visible to the reader.
func (res *Reservation) Submit() {
	res.ring.commit(res.slot, submitted)
}

// Discard releases the space without delivering the record.
func (res *Reservation) Discard() {
	res.ring.commit(res.slot, discarded)
}

func (r *Ring) commit(s *slot, state slotState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.state != busy {
		return
	}
	s.state = state
	r.cond.Broadcast()
}

// Write reserves, fills and submits a record in one step.
func (r *Ring) Write(p []byte) error {
	res, err := r.Reserve(len(p))
	if err != nil {
		return err
	}
	copy(res.Bytes(), p)
	res.Submit()
	return nil
}

// ReadInto blocks until the record at the head is submitted, then copies it
// into rec, reusing rec.RawSample. It returns ringbuf.ErrClosed once the
// ring is closed.
func (r *Ring) ReadInto(rec *ringbuf.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return ringbuf.ErrClosed
		}

		for len(r.slots) > 0 && r.slots[0].state == discarded {
			r.pop()
		}

		if len(r.slots) > 0 && r.slots[0].state == submitted {
			s := r.pop()
			rec.RawSample = append(rec.RawSample[:0], s.data...)
			rec.Remaining = r.used
			return nil
		}

		r.cond.Wait()
	}
}

func (r *Ring) pop() *slot {
	s := r.slots[0]
	r.slots[0] = nil
	r.slots = r.slots[1:]
	r.used -= footprint(len(s.data))
	return s
}

// Pending returns the number of bytes held by reserved or unread records.
func (r *Ring) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Close wakes a blocked reader. Further reads fail with ringbuf.ErrClosed
// and further reservations fail with ErrFull.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}
