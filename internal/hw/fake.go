package hw

import "errors"

// FakeTimer is a test double that models the capture timer registers.
// Time only advances through Elapse and Edge, so runs are deterministic.
// Not safe for concurrent use.
type FakeTimer struct {
	count    uint16
	running  bool
	edge     Edge
	capture  bool
	overflow bool

	onCapture  func(uint16)
	onOverflow func()

	// Captures counts capture handler invocations.
	Captures int

	// Overflows counts overflow handler invocations.
	Overflows int
}

// NewFakeTimer creates a stopped FakeTimer.
func NewFakeTimer() *FakeTimer {
	return &FakeTimer{}
}

// Attach registers the event handlers.
func (t *FakeTimer) Attach(onCapture func(uint16), onOverflow func()) {
	t.onCapture = onCapture
	t.onOverflow = onOverflow
}

func (t *FakeTimer) Start()                { t.running = true }
func (t *FakeTimer) Stop()                 { t.running = false }
func (t *FakeTimer) Running() bool         { return t.running }
func (t *FakeTimer) Count() uint16         { return t.count }
func (t *FakeTimer) SetCount(c uint16)     { t.count = c }
func (t *FakeTimer) SetEdge(e Edge)        { t.edge = e }
func (t *FakeTimer) Edge() Edge            { return t.edge }
func (t *FakeTimer) EnableCapture(on bool) { t.capture = on }
func (t *FakeTimer) CaptureEnabled() bool  { return t.capture }
func (t *FakeTimer) EnableOverflow(on bool) {
	t.overflow = on
}
func (t *FakeTimer) OverflowEnabled() bool { return t.overflow }

// Elapse advances a running counter by ticks, invoking the overflow handler
// each time the counter wraps while overflow is enabled.
func (t *FakeTimer) Elapse(ticks uint32) {
	for ticks > 0 && t.running {
		room := uint32(Period) - uint32(t.count)
		if ticks < room {
			t.count += uint16(ticks)
			return
		}
		ticks -= room
		t.count = 0
		if t.overflow && t.onOverflow != nil {
			t.Overflows++
			t.onOverflow()
		}
	}
}

// Transition advances the counter by ticks, then presents a transition of the data
// line to the capture unit. The transition is captured only if capture is
// enabled and it matches the selected edge.
func (t *FakeTimer) Transition(rising bool, ticks uint32) {
	t.Elapse(ticks)
	if !t.running || !t.capture {
		return
	}
	if rising != (t.edge == Rising) {
		return
	}
	c := t.count
	t.count = 0
	if t.onCapture != nil {
		t.Captures++
		t.onCapture(c)
	}
}

// FakeLine records how the data line is driven.
type FakeLine struct {
	low bool

	// Drives and Releases count DriveLow and Release calls.
	Drives   int
	Releases int

	// DriveError and ReleaseError, if set, are returned by the
	// corresponding call, which then has no effect.
	DriveError   error
	ReleaseError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeLine creates a released FakeLine.
func NewFakeLine() *FakeLine {
	return &FakeLine{}
}

// DriveLow pulls the fake line low.
func (l *FakeLine) DriveLow() error {
	if l.Closed {
		return errors.New("line closed")
	}
	if l.DriveError != nil {
		return l.DriveError
	}
	l.Drives++
	l.low = true
	return nil
}

// Release lets the fake line float high.
func (l *FakeLine) Release() error {
	if l.Closed {
		return errors.New("line closed")
	}
	if l.ReleaseError != nil {
		return l.ReleaseError
	}
	l.Releases++
	l.low = false
	return nil
}

// Low reports whether the line is currently driven low.
func (l *FakeLine) Low() bool {
	return l.low
}

// Close marks the line as closed.
func (l *FakeLine) Close() error {
	l.Closed = true
	l.low = false
	return nil
}
