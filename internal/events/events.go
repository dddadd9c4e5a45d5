package events

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// EventType identifies one catalogued counter event or a sentinel.
type EventType uint8

// Hardware counters.
const (
	CacheMiss EventType = iota
	CPUCycles
	Instructions
	CacheReferences
	BranchInstructions
	BranchMisses
	BusCycles
	StalledCyclesFrontend
	StalledCyclesBackend
	RefCPUCycles

	// Software counters.
	CPUClock
	TaskClock
	PageFaults
	ContextSwitches
	CPUMigrations
	PageFaultsMin
	PageFaultsMaj
	AlignmentFaults
	EmulationFaults
	CgroupSwitches

	// Any is the wildcard: it selects every catalogued event.
	Any
	// None marks the absence of an event.
	None
)

const (
	// Count is the number of activatable events.
	Count = int(Any)
	// Variants is the number of event type values including both sentinels.
	// It bounds how many names a single filter rule may carry.
	Variants = int(None) + 1
)

// Category is the perf_event_attr.type an event is opened with.
type Category uint32

const (
	CategoryHardware Category = unix.PERF_TYPE_HARDWARE
	CategorySoftware Category = unix.PERF_TYPE_SOFTWARE
)

func (c Category) String() string {
	switch c {
	case CategoryHardware:
		return "hardware"
	case CategorySoftware:
		return "software"
	default:
		return fmt.Sprintf("Category(%d)", uint32(c))
	}
}

var (
	// ErrUnknownEventType is returned for names or ids outside the catalogue.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrNoCategory is returned when a sentinel is asked for its category.
	ErrNoCategory = errors.New("event type has no category")
	// ErrNoPlatformID is returned when an event has no counter id in the
	// requested category.
	ErrNoPlatformID = errors.New("event type has no platform counter id")
)

// PERF_COUNT_SW_CGROUP_SWITCHES, linux 5.13. Not exported by x/sys/unix.
const perfCountSWCgroupSwitches = 11

type descriptor struct {
	name       string
	category   Category
	platformID uint64
}

// catalogue is indexed by EventType.
var catalogue = [Count]descriptor{
	CacheMiss:             {"cache_miss", CategoryHardware, unix.PERF_COUNT_HW_CACHE_MISSES},
	CPUCycles:             {"cpu_cycles", CategoryHardware, unix.PERF_COUNT_HW_CPU_CYCLES},
	Instructions:          {"instructions", CategoryHardware, unix.PERF_COUNT_HW_INSTRUCTIONS},
	CacheReferences:       {"cache_references", CategoryHardware, unix.PERF_COUNT_HW_CACHE_REFERENCES},
	BranchInstructions:    {"branch_instructions", CategoryHardware, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	BranchMisses:          {"branch_misses", CategoryHardware, unix.PERF_COUNT_HW_BRANCH_MISSES},
	BusCycles:             {"bus_cycles", CategoryHardware, unix.PERF_COUNT_HW_BUS_CYCLES},
	StalledCyclesFrontend: {"stalled_cycles_frontend", CategoryHardware, unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND},
	StalledCyclesBackend:  {"stalled_cycles_backend", CategoryHardware, unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND},
	RefCPUCycles:          {"ref_cpu_cycles", CategoryHardware, unix.PERF_COUNT_HW_REF_CPU_CYCLES},

	CPUClock:        {"cpu_clock", CategorySoftware, unix.PERF_COUNT_SW_CPU_CLOCK},
	TaskClock:       {"task_clock", CategorySoftware, unix.PERF_COUNT_SW_TASK_CLOCK},
	PageFaults:      {"page_faults", CategorySoftware, unix.PERF_COUNT_SW_PAGE_FAULTS},
	ContextSwitches: {"context_switches", CategorySoftware, unix.PERF_COUNT_SW_CONTEXT_SWITCHES},
	CPUMigrations:   {"cpu_migrations", CategorySoftware, unix.PERF_COUNT_SW_CPU_MIGRATIONS},
	PageFaultsMin:   {"page_faults_min", CategorySoftware, unix.PERF_COUNT_SW_PAGE_FAULTS_MIN},
	PageFaultsMaj:   {"page_faults_maj", CategorySoftware, unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ},
	AlignmentFaults: {"alignment_faults", CategorySoftware, unix.PERF_COUNT_SW_ALIGNMENT_FAULTS},
	EmulationFaults: {"emulation_faults", CategorySoftware, unix.PERF_COUNT_SW_EMULATION_FAULTS},
	CgroupSwitches:  {"cgroup_switches", CategorySoftware, perfCountSWCgroupSwitches},
}

var byName = func() map[string]EventType {
	m := make(map[string]EventType, Count+2)
	for i, d := range catalogue {
		m[d.name] = EventType(i)
	}
	m["any"] = Any
	m["all"] = Any
	return m
}()

// FromName resolves a canonical event name. "any" and "all" resolve to Any.
// None has no name that resolves to it.
func FromName(name string) (EventType, error) {
	e, ok := byName[name]
	if !ok {
		return None, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
	return e, nil
}

// FromID validates a raw id read off the wire.
func FromID(id uint8) (EventType, error) {
	if int(id) >= Variants {
		return None, fmt.Errorf("%w: id %d", ErrUnknownEventType, id)
	}
	return EventType(id), nil
}

// Valid reports whether e is an activatable event.
func (e EventType) Valid() bool {
	return int(e) < Count
}

// Name returns the canonical name, or an error for ids outside the catalogue.
func (e EventType) Name() (string, error) {
	switch {
	case e.Valid():
		return catalogue[e].name, nil
	case e == Any:
		return "any", nil
	case e == None:
		return "none", nil
	default:
		return "", fmt.Errorf("%w: id %d", ErrUnknownEventType, uint8(e))
	}
}

func (e EventType) String() string {
	name, err := e.Name()
	if err != nil {
		return fmt.Sprintf("EventType(%d)", uint8(e))
	}
	return name
}

// Category returns the perf category of e. Sentinels fail with ErrNoCategory.
func (e EventType) Category() (Category, error) {
	switch {
	case e.Valid():
		return catalogue[e].category, nil
	case e == Any || e == None:
		return 0, fmt.Errorf("%w: %s", ErrNoCategory, e)
	default:
		return 0, fmt.Errorf("%w: id %d", ErrUnknownEventType, uint8(e))
	}
}

// HardwareID returns the PERF_COUNT_HW_* id of a hardware event.
func (e EventType) HardwareID() (uint64, error) {
	return e.platformID(CategoryHardware)
}

// SoftwareID returns the PERF_COUNT_SW_* id of a software event.
func (e EventType) SoftwareID() (uint64, error) {
	return e.platformID(CategorySoftware)
}

// Counter returns the category and platform id e is opened with.
func (e EventType) Counter() (Category, uint64, error) {
	c, err := e.Category()
	if err != nil {
		return 0, 0, err
	}
	id, err := e.platformID(c)
	if err != nil {
		return 0, 0, err
	}
	return c, id, nil
}

func (e EventType) platformID(c Category) (uint64, error) {
	got, err := e.Category()
	if err != nil {
		return 0, err
	}
	if got != c {
		return 0, fmt.Errorf("%w: %s is a %s event, not %s", ErrNoPlatformID, e, got, c)
	}
	return catalogue[e].platformID, nil
}

// ProgramName is the name of the in-kernel producer program for e.
func (e EventType) ProgramName() (string, error) {
	if !e.Valid() {
		return "", fmt.Errorf("%w: %s has no producer program", ErrUnknownEventType, e)
	}
	return "event_" + catalogue[e].name, nil
}

// Bit is the position of e inside an exclusion mask.
func (e EventType) Bit() uint32 {
	return 1 << uint32(e)
}

// All returns every activatable event in id order.
func All() []EventType {
	out := make([]EventType, Count)
	for i := range out {
		out[i] = EventType(i)
	}
	return out
}

// ParseSelection parses a comma separated event list. "any" or "all"
// anywhere in the list selects the whole catalogue. Duplicates are dropped;
// the first occurrence keeps its position.
func ParseSelection(s string) ([]EventType, error) {
	var out []EventType
	seen := make(map[EventType]bool)
	for _, raw := range strings.Split(s, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		e, err := FromName(name)
		if err != nil {
			return nil, err
		}
		if e == Any {
			return All(), nil
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty event selection", ErrUnknownEventType)
	}
	return out, nil
}
