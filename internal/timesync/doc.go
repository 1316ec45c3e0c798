// Package timesync reads the monotonic clock probes stamp events with and
// converts those timestamps to wall-clock time.
//
// bpf_ktime_get_ns and Monotonic both read CLOCK_MONOTONIC, so in-process
// producers and kernel probes share one time base. The converter anchors
// that clock to wall time once, at construction.
package timesync
