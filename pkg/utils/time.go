package utils

import "time"

// UnixMillis converts t to milliseconds since the epoch.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis is the inverse of UnixMillis.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// SplitStamp splits t into whole seconds and the nanosecond remainder.
func SplitStamp(t time.Time) (int64, uint32) {
	ns := t.UnixNano()
	return ns / int64(time.Second), uint32(ns % int64(time.Second))
}

// IntervalForRate returns the tick interval for fps frames per second.
func IntervalForRate(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
