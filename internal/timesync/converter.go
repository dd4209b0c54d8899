package timesync

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter anchored on the system boot time.
// If the boot time cannot be read, it is derived from the monotonic clock.
func NewConverter() (*Converter, error) {
	bootTime, err := systemBootTime()
	if err != nil {
		now, clockErr := MonotonicNow()
		if clockErr != nil {
			return nil, fmt.Errorf("failed to determine boot time: %w", err)
		}
		//nolint:gosec // monotonic nanoseconds fit in int64
		bootTime = time.Now().Add(-time.Duration(now))
	}
	return NewConverterAt(bootTime), nil
}

// NewConverterAt creates a converter with a fixed boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// MonotonicNow returns the current CLOCK_MONOTONIC time in nanoseconds, the
// clock the probes stamp records with.
func MonotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime: %w", err)
	}
	//nolint:gosec // monotonic time is never negative
	return uint64(ts.Nano()), nil
}

func systemBootTime() (time.Time, error) {
	secs, err := host.BootTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read boot time: %w", err)
	}
	//nolint:gosec // boot time in seconds fits in int64
	return time.Unix(int64(secs), 0), nil
}
