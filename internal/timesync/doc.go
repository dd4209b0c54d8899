// Package timesync converts the monotonic timestamps carried by probe records
// to wall-clock time, and reads the monotonic clock used to bound merge
// batches.
//
// Probe timestamps are CLOCK_MONOTONIC nanoseconds (bpf_ktime_get_ns). The
// converter anchors them on the system boot time reported by gopsutil.
package timesync
