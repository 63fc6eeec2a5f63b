// Package hw provides the timer and GPIO line capabilities the sensor decoder
// runs on, with hardware abstraction.
// The real implementations use the Linux GPIO character device or periph.io
// host drivers with a software capture timer.
// The fake implementations allow testing without hardware.
package hw

import "time"

// ClockHz is the reference tick rate of the capture timer (62.5ns per tick).
const ClockHz = 16_000_000

// Period is the number of ticks between two overflows of the 16-bit counter.
const Period = 1 << 16

// Edge selects which transition of the data line the capture unit reacts to.
type Edge int

const (
	Falling Edge = iota
	Rising
)

func (e Edge) String() string {
	if e == Rising {
		return "rising"
	}
	return "falling"
}

// Timer is a free-running 16-bit counter with an overflow event and an
// edge-capture unit. A captured edge reports the count reached since the
// previous reset and resets the counter to zero.
type Timer interface {
	// Attach registers the handlers for capture and overflow events.
	// Handlers are never invoked concurrently with each other.
	Attach(onCapture func(count uint16), onOverflow func())

	Start()
	Stop()
	Running() bool

	Count() uint16
	SetCount(count uint16)

	SetEdge(e Edge)
	Edge() Edge

	EnableCapture(on bool)
	CaptureEnabled() bool
	EnableOverflow(on bool)
	OverflowEnabled() bool
}

// Line is the single-wire data line. It is pulled up externally, so
// releasing it lets the line float high.
type Line interface {
	// DriveLow actively pulls the line to ground.
	DriveLow() error

	// Release stops driving the line and listens for edges.
	Release() error

	// Close releases GPIO resources.
	Close() error
}

// Ticks converts a duration to timer ticks.
func Ticks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d.Nanoseconds() * (ClockHz / 1_000_000) / 1000)
}

// TickDuration converts timer ticks to a duration, rounded up so that
// Ticks(TickDuration(n)) == n.
func TickDuration(ticks uint32) time.Duration {
	return time.Duration((int64(ticks)*1_000_000_000 + ClockHz - 1) / ClockHz)
}
