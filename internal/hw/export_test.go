package hw

import "time"

// ManualClock lets external tests drive a SoftTimer without real time.
type ManualClock struct{ c *manualClock }

func (m ManualClock) Now() time.Duration { return m.c.now }

func (m ManualClock) Advance(d time.Duration) { m.c.advance(d) }

func NewManualTimer() (*SoftTimer, ManualClock) {
	st, c := newManualTimer()
	return st, ManualClock{c}
}
