package timesync

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Monotonic returns CLOCK_MONOTONIC in nanoseconds.
func Monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	//nolint:gosec // monotonic time is never negative
	return uint64(ts.Nano())
}

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter anchors the monotonic clock to the current wall time. When
// the monotonic clock cannot be read it falls back to btime from /proc/stat,
// which is coarser and drifts across suspend.
func NewConverter() (*Converter, error) {
	if mono := Monotonic(); mono != 0 {
		//nolint:gosec // uptime fits in int64
		return &Converter{bootTime: time.Now().Add(-time.Duration(mono))}, nil
	}

	bootTime, err := readBootTime("/proc/stat")
	if err != nil {
		return nil, fmt.Errorf("anchoring monotonic clock: %w", err)
	}
	return &Converter{bootTime: bootTime}, nil
}

// NewConverterAt returns a converter with a fixed boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the wall time at which the monotonic clock read zero.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

func readBootTime(path string) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()
	return parseBootTime(file)
}

// parseBootTime extracts the btime line of a /proc/stat dump.
func parseBootTime(r io.Reader) (time.Time, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "btime" {
			continue
		}
		sec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading stat: %w", err)
	}
	return time.Time{}, fmt.Errorf("btime not found")
}
