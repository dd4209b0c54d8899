package timesync

import (
	"testing"
	"time"
)

func TestConverter_MonotonicToWallClock(t *testing.T) {
	// Create a converter with a known boot time
	bootTime := time.Unix(1000000000, 0) // 2001-09-09 01:46:40 UTC
	converter := NewConverterAt(bootTime)

	tests := []struct {
		name           string
		monotonicNanos uint64
		want           time.Time
	}{
		{
			name:           "zero nanoseconds",
			monotonicNanos: 0,
			want:           bootTime,
		},
		{
			name:           "one second",
			monotonicNanos: 1_000_000_000,
			want:           bootTime.Add(1 * time.Second),
		},
		{
			name:           "one hour",
			monotonicNanos: 3_600_000_000_000,
			want:           bootTime.Add(1 * time.Hour),
		},
		{
			name:           "mixed time",
			monotonicNanos: 123_456_789_000,
			want:           bootTime.Add(123*time.Second + 456*time.Millisecond + 789*time.Microsecond),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := converter.MonotonicToWallClock(tt.monotonicNanos)
			if !got.Equal(tt.want) {
				t.Errorf("MonotonicToWallClock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConverter_BootTime(t *testing.T) {
	bootTime := time.Unix(1000000000, 0)
	converter := NewConverterAt(bootTime)

	got := converter.BootTime()
	if !got.Equal(bootTime) {
		t.Errorf("BootTime() = %v, want %v", got, bootTime)
	}
}

func TestNewConverter(t *testing.T) {
	converter, err := NewConverter()
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	bootTime := converter.BootTime()
	if bootTime.IsZero() {
		t.Error("BootTime() is zero")
	}
	if bootTime.After(time.Now()) {
		t.Error("BootTime() is in the future")
	}
}

func TestMonotonicNow(t *testing.T) {
	first, err := MonotonicNow()
	if err != nil {
		t.Fatalf("MonotonicNow() error = %v", err)
	}
	second, err := MonotonicNow()
	if err != nil {
		t.Fatalf("MonotonicNow() error = %v", err)
	}
	if second < first {
		t.Errorf("MonotonicNow() went backwards: %d then %d", first, second)
	}

	// Converting "now" should land close to the current wall clock.
	converter, err := NewConverter()
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}
	drift := time.Since(converter.MonotonicToWallClock(second))
	if drift < -time.Minute || drift > time.Minute {
		t.Logf("monotonic to wall clock drift is %v (suspend time is not counted by CLOCK_MONOTONIC)", drift)
	}
}
