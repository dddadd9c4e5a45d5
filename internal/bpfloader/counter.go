package bpfloader

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/mrzor/flextrace/internal/events"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const onlineCPUsPath = "/sys/devices/system/cpu/online"

// ErrNoCPU is returned when a counter could not be attached on any CPU.
var ErrNoCPU = errors.New("counter attached on no cpu")

type counter struct {
	event events.EventType
	cpu   int
	fd    int
}

func (c *counter) Close() error {
	_ = unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	return unix.Close(c.fd)
}

// AttachCounter opens e on every online CPU, sampling every period
// occurrences, and attaches its producer program. A CPU that cannot be
// instrumented is logged and skipped; the returned count says how many
// succeeded.
func (l *Loader) AttachCounter(e events.EventType, period uint64) (int, error) {
	name, err := e.ProgramName()
	if err != nil {
		return 0, err
	}
	prog, err := l.program(name)
	if err != nil {
		return 0, err
	}
	category, config, err := e.Counter()
	if err != nil {
		return 0, err
	}

	cpus, err := onlineCPUs()
	if err != nil {
		return 0, err
	}

	attr := unix.PerfEventAttr{
		Type:   uint32(category),
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: config,
		Sample: period,
		Bits:   unix.PerfBitDisabled,
	}

	attached := 0
	for _, cpu := range cpus {
		c, err := openCounter(&attr, e, cpu, prog.FD())
		if err != nil {
			l.metrics.CounterAttachFailures(1, e.String())
			l.logger.Warn("skipping cpu",
				zap.Stringer("event", e),
				zap.Int("cpu", cpu),
				zap.Error(err),
			)
			continue
		}

		l.mu.Lock()
		l.counters = append(l.counters, c)
		l.mu.Unlock()
		attached++
	}

	if attached == 0 {
		return 0, fmt.Errorf("%s: %w", e, ErrNoCPU)
	}
	l.logger.Debug("counter attached", zap.Stringer("event", e), zap.Int("cpus", attached))
	return attached, nil
}

func openCounter(attr *unix.PerfEventAttr, e events.EventType, cpu, progFD int) (*counter, error) {
	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open: %w", err)
	}
	c := &counter{event: e, cpu: cpu, fd: fd}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, progFD); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("attaching program: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enabling counter: %w", err)
	}
	return c, nil
}

func onlineCPUs() ([]int, error) {
	b, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, fmt.Errorf("reading online cpus: %w", err)
	}
	return parseCPUList(strings.TrimSpace(string(b)))
}

// parseCPUList parses the kernel's cpu list format, e.g. "0-3,8,10-11",
// into sorted, distinct cpu ids.
func parseCPUList(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for _, r := range strings.Split(s, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		loStr, hiStr, isRange := strings.Cut(r, "-")
		lo, err := strconv.Atoi(loStr)
		if err != nil {
			return nil, fmt.Errorf("cpu list %q: %w", s, err)
		}
		hi := lo
		if isRange {
			if hi, err = strconv.Atoi(hiStr); err != nil {
				return nil, fmt.Errorf("cpu list %q: %w", s, err)
			}
		}
		if lo < 0 || hi < lo {
			return nil, fmt.Errorf("cpu list %q: bad range %q", s, r)
		}

		for cpu := lo; cpu <= hi; cpu++ {
			if !seen[cpu] {
				seen[cpu] = true
				out = append(out, cpu)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cpu list %q: empty", s)
	}
	slices.Sort(out)
	return out, nil
}
