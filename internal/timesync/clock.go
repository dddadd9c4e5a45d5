package timesync

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var errNoBootTime = errors.New("btime not found")

// Clock maps monotonic nanoseconds to wall-clock time.
type Clock struct {
	base time.Time
}

// New pins the wall time of monotonic zero from the current clock readings.
// When CLOCK_MONOTONIC cannot be read it falls back to btime from /proc/stat.
func New() (*Clock, error) {
	mono, err := monotonicNow()
	if err == nil {
		return &Clock{base: time.Now().Add(-time.Duration(mono))}, nil
	}

	base, statErr := bootTimeFromFile("/proc/stat")
	if statErr != nil {
		return nil, fmt.Errorf("reading clock base: %w", errors.Join(err, statErr))
	}
	return &Clock{base: base}, nil
}

// WithBase returns a Clock whose monotonic zero is base.
func WithBase(base time.Time) *Clock {
	return &Clock{base: base}
}

// WallTime converts a record timestamp.
func (c *Clock) WallTime(monotonicNanos uint64) time.Time {
	return c.base.Add(time.Duration(monotonicNanos)) //nolint:gosec // fits int64 for ~292 years of uptime
}

// Base returns the wall time of monotonic zero.
func (c *Clock) Base() time.Time {
	return c.base
}

// Now returns the current CLOCK_MONOTONIC reading in nanoseconds, the same
// clock bpf_ktime_get_ns reads.
func (c *Clock) Now() uint64 {
	mono, err := monotonicNow()
	if err != nil {
		return uint64(time.Since(c.base)) //nolint:gosec // base is in the past
	}
	return mono
}

func monotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime: %w", err)
	}
	return uint64(ts.Nano()), nil //nolint:gosec // monotonic time is never negative
}

func bootTimeFromFile(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // read-only
	}()
	return parseBootTime(f)
}

// parseBootTime extracts the btime line of /proc/stat.
func parseBootTime(r io.Reader) (time.Time, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "btime" {
			continue
		}
		sec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing btime: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("reading /proc/stat: %w", err)
	}
	return time.Time{}, errNoBootTime
}
