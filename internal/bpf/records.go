package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrzor/flextrace/internal/events"
)

const (
	// CommLen matches TASK_COMM_LEN.
	CommLen = 16
	// MaxProbeArgs is the number of register arguments a probe can capture.
	MaxProbeArgs = 6
	// MaxPtrDepths is the number of per-argument entries in ProbeConfig.
	MaxPtrDepths = 32
)

// Sample flags.
const (
	// FlagStack marks StackID as valid.
	FlagStack uint8 = 1 << 0
)

// NoStack is the StackID of a sample without a captured stack.
const NoStack int64 = -1

// SuppressAll in PidConfig.ExcludeMask drops every event of the process.
const SuppressAll uint32 = 1 << 31

// Record sizes. Every record type is fixed-size and pointer-free.
const (
	SampleSize      = 56
	ProbeSampleSize = 104
	PidConfigSize   = 8
	ProbeConfigSize = 132
)

// ErrShortRecord is returned when a raw record is smaller than its type.
var ErrShortRecord = errors.New("short record")

// Sample is emitted once per counter overflow. Matches struct ft_sample.
type Sample struct {
	Timestamp uint64 // bpf_ktime_get_ns
	Pid       uint32
	Tgid      uint32
	UID       uint32 //nolint:revive // Matches kernel struct field naming
	GID       uint32 //nolint:revive // Matches kernel struct field naming
	StackID   int64
	EventType uint8
	Flags     uint8
	_         [2]byte
	Comm      [CommLen]byte
	_         [4]byte // Padding to 8-byte alignment
}

// HasStack reports whether the sample carries a stack trace id.
func (s *Sample) HasStack() bool {
	return s.Flags&FlagStack != 0
}

// CommString returns the command name up to the first NUL.
func (s *Sample) CommString() string {
	return commString(s.Comm[:])
}

// ProbeSample is emitted once per function probe hit. Matches struct
// ft_probe_sample.
type ProbeSample struct {
	Timestamp uint64
	Cookie    uint64
	Pid       uint32
	Tgid      uint32
	UID       uint32 //nolint:revive // Matches kernel struct field naming
	GID       uint32 //nolint:revive // Matches kernel struct field naming
	NArgs     uint32
	_         uint32
	Args      [MaxProbeArgs]uint64
	Comm      [CommLen]byte
}

// CommString returns the command name up to the first NUL.
func (p *ProbeSample) CommString() string {
	return commString(p.Comm[:])
}

// CapturedArgs returns the argument values the producer filled in.
func (p *ProbeSample) CapturedArgs() []uint64 {
	n := min(int(p.NArgs), MaxProbeArgs)
	return p.Args[:n]
}

// PidConfig is the PID_CONFIG value. Matches struct ft_pid_config.
type PidConfig struct {
	ExcludeMask  uint32
	CaptureStack uint8
	_            [3]byte
}

// ProbeConfig is the PROBE_CONFIG value keyed by cookie. Matches struct
// ft_probe_config.
type ProbeConfig struct {
	NumArgs   uint32
	PtrDepths [MaxPtrDepths]uint32
}

// DecodeSample decodes raw into s. raw may be longer than SampleSize (the
// ring buffer rounds records up to 8 bytes) but never shorter. A sample
// whose event type is not an activatable event is rejected with
// events.ErrUnknownEventType.
func DecodeSample(raw []byte, s *Sample) error {
	if len(raw) < SampleSize {
		return fmt.Errorf("%w: sample is %d bytes, want %d", ErrShortRecord, len(raw), SampleSize)
	}
	if _, err := binary.Decode(raw[:SampleSize], binary.NativeEndian, s); err != nil {
		return fmt.Errorf("decoding sample: %w", err)
	}
	e, err := events.FromID(s.EventType)
	if err != nil {
		return fmt.Errorf("decoding sample: %w", err)
	}
	if !e.Valid() {
		return fmt.Errorf("decoding sample: %w: %s is not a sampled event", events.ErrUnknownEventType, e)
	}
	return nil
}

// DecodeProbeSample decodes raw into p.
func DecodeProbeSample(raw []byte, p *ProbeSample) error {
	if len(raw) < ProbeSampleSize {
		return fmt.Errorf("%w: probe sample is %d bytes, want %d", ErrShortRecord, len(raw), ProbeSampleSize)
	}
	if _, err := binary.Decode(raw[:ProbeSampleSize], binary.NativeEndian, p); err != nil {
		return fmt.Errorf("decoding probe sample: %w", err)
	}
	return nil
}

// EncodeSample writes s into buf, which must hold SampleSize bytes.
func EncodeSample(buf []byte, s *Sample) error {
	if _, err := binary.Encode(buf, binary.NativeEndian, s); err != nil {
		return fmt.Errorf("encoding sample: %w", err)
	}
	return nil
}

// EncodeProbeSample writes p into buf, which must hold ProbeSampleSize bytes.
func EncodeProbeSample(buf []byte, p *ProbeSample) error {
	if _, err := binary.Encode(buf, binary.NativeEndian, p); err != nil {
		return fmt.Errorf("encoding probe sample: %w", err)
	}
	return nil
}

// SetComm copies name into a fixed comm field, truncating like the kernel
// does (the last byte is always NUL).
func SetComm(dst *[CommLen]byte, name string) {
	*dst = [CommLen]byte{}
	copy(dst[:CommLen-1], name)
}

func commString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
