package types

import "time"

// MonotonicTime represents microseconds on a monotonic clock with an
// arbitrary epoch. Zero means "never set"; a running clock never produces it,
// and the reassembly logic relies on that to reject frames that were not
// timestamped by the media layer.
type MonotonicTime uint64

// UTCTime represents microseconds since Unix epoch (Jan 1, 1970 00:00:00 UTC)
type UTCTime uint64

// IsZero checks if the timestamp was ever set
func (t MonotonicTime) IsZero() bool {
	return t == 0
}

// Add shifts the timestamp forward by a duration
func (t MonotonicTime) Add(d time.Duration) MonotonicTime {
	return t + MonotonicTime(d.Microseconds())
}

// Sub returns the duration between two monotonic timestamps
func (t MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(t-other) * time.Microsecond
}

// IsZero checks if the timestamp was ever set
func (t UTCTime) IsZero() bool {
	return t == 0
}

// FromTime converts a Go time.Time to UTCTime
func FromTime(t time.Time) UTCTime {
	return UTCTime(t.UnixMicro())
}

// ToTime converts UTCTime to Go time.Time
func (t UTCTime) ToTime() time.Time {
	return time.UnixMicro(int64(t))
}

// Clock supplies frame reception timestamps. The monotonic reading must never
// decrease between calls and must never be zero.
type Clock interface {
	Monotonic() MonotonicTime
	UTC() UTCTime
}

// SystemClock implements Clock on the OS clocks
type SystemClock struct {
	origin time.Time
}

// NewSystemClock creates a system clock whose monotonic epoch is "now"
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Monotonic returns microseconds since the clock was created, offset by one
// so that the zero value stays reserved for "unset"
func (c *SystemClock) Monotonic() MonotonicTime {
	return MonotonicTime(time.Since(c.origin).Microseconds()) + 1
}

// UTC returns the current wall-clock time
func (c *SystemClock) UTC() UTCTime {
	return FromTime(time.Now())
}
