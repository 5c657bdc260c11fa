// Copyright 2025 James Ross
package queue

import "time"

// Clock supplies the wall-clock millisecond epoch the engine stamps
// every operation with. Tests substitute a fake to make interval and
// lease-expiry math deterministic.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// NowMillis returns the current unix epoch in milliseconds.
func (SystemClock) NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// MinuteBucket floors an epoch-ms timestamp to its containing 60s bucket,
// matching the minute keying used by the enqueue/dequeue counters.
func MinuteBucket(epochMs int64) int64 {
	const minuteMs = 60000
	return (epochMs / minuteMs) * minuteMs
}
