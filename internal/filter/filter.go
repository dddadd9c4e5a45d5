// Package filter parses per-process exclusion rules and encodes them into the
// PID_CONFIG values the producer consults.
//
// A rule is either "<pid>:<event>[,<event>...]" (suppress those events for
// pid) or a bare "<pid>" (suppress everything for pid). Rules are encoded as a
// bitmask with one bit per event id; bit 31 means suppress everything.
package filter

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/events"
)

var (
	// ErrTooManyEvents is returned when a rule names more events than there
	// are event type variants.
	ErrTooManyEvents = errors.New("too many events in filter")
	// ErrBadArgument is returned for a malformed rule or process id.
	ErrBadArgument = errors.New("bad filter argument")
)

// Mask is an exclusion bitmask as stored in PidConfig.ExcludeMask.
type Mask uint32

// All suppresses every event of a process.
const All Mask = Mask(bpf.SuppressAll)

// MaskOf returns the mask excluding es.
func MaskOf(es ...events.EventType) Mask {
	var m Mask
	for _, e := range es {
		m |= Mask(e.Bit())
	}
	return m
}

// Suppresses reports whether an event of type e must be dropped under m.
// The producer applies the same test in flextrace.bpf.c.
func (m Mask) Suppresses(e events.EventType) bool {
	if m&All != 0 || m&Mask(events.Any.Bit()) != 0 {
		return true
	}
	return m&Mask(e.Bit()) != 0
}

// SuppressesAll reports whether m drops every event, probe hits included.
func (m Mask) SuppressesAll() bool {
	return m&All != 0 || m&Mask(events.Any.Bit()) != 0
}

// Events decodes m back into the set of excluded event types in id order.
// The suppress-everything bit decodes to Any.
func (m Mask) Events() []events.EventType {
	out := make([]events.EventType, 0, bits.OnesCount32(uint32(m)))
	if m&All != 0 {
		return append(out, events.Any)
	}
	for id := 0; id < events.Variants; id++ {
		e := events.EventType(id)
		if m&Mask(e.Bit()) != 0 {
			out = append(out, e)
		}
	}
	return out
}

func (m Mask) String() string {
	es := m.Events()
	if len(es) == 0 {
		return "none"
	}
	names := make([]string, len(es))
	for i, e := range es {
		names[i] = e.String()
	}
	return strings.Join(names, ",")
}

// Rule excludes Mask for the process PID.
type Rule struct {
	PID  uint32
	Mask Mask
}

// Parse parses a single rule.
func Parse(s string) (Rule, error) {
	pidPart, eventPart, hasEvents := strings.Cut(strings.TrimSpace(s), ":")

	pid, err := strconv.ParseUint(strings.TrimSpace(pidPart), 10, 32)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: process id %q", ErrBadArgument, pidPart)
	}

	if !hasEvents {
		return Rule{PID: uint32(pid), Mask: All}, nil
	}

	names := strings.Split(eventPart, ",")
	mask, err := Encode(names)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", s, err)
	}
	return Rule{PID: uint32(pid), Mask: mask}, nil
}

// Encode turns event names into an exclusion mask. At most
// events.Variants names are accepted.
func Encode(names []string) (Mask, error) {
	if len(names) > events.Variants {
		return 0, fmt.Errorf("%w: %d names, at most %d", ErrTooManyEvents, len(names), events.Variants)
	}

	var m Mask
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return 0, fmt.Errorf("%w: empty event name", ErrBadArgument)
		}
		e, err := events.FromName(name)
		if err != nil {
			return 0, err
		}
		m |= Mask(e.Bit())
	}
	return m, nil
}

// UnmarshalText lets a Rule be used directly as a CLI flag value.
func (r *Rule) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Rule) String() string {
	if r.Mask&All != 0 {
		return strconv.FormatUint(uint64(r.PID), 10)
	}
	return fmt.Sprintf("%d:%s", r.PID, r.Mask)
}

// Compile merges rules and stack capture requests into one PID_CONFIG value
// per process. Several rules for the same pid are OR-ed together.
func Compile(rules []Rule, stackPIDs []uint32) map[uint32]bpf.PidConfig {
	out := make(map[uint32]bpf.PidConfig, len(rules)+len(stackPIDs))
	for _, r := range rules {
		cfg := out[r.PID]
		cfg.ExcludeMask |= uint32(r.Mask)
		out[r.PID] = cfg
	}
	for _, pid := range stackPIDs {
		cfg := out[pid]
		cfg.CaptureStack = 1
		out[pid] = cfg
	}
	return out
}

// Writer is the PID_CONFIG map: *ebpf.Map or producer.Table.
type Writer interface {
	Put(key, value any) error
}

// Apply compiles rules and stackPIDs and writes one entry per process into
// w. It stops at the first failed write.
func Apply(w Writer, rules []Rule, stackPIDs []uint32) (int, error) {
	compiled := Compile(rules, stackPIDs)
	pids := make([]uint32, 0, len(compiled))
	for pid := range compiled {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	for i, pid := range pids {
		cfg := compiled[pid]
		if err := w.Put(pid, &cfg); err != nil {
			return i, fmt.Errorf("writing filter for pid %d: %w", pid, err)
		}
	}
	return len(pids), nil
}
