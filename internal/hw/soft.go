package hw

import (
	"sync"
	"time"
)

// SoftTimer implements Timer in software. The counter is derived from a
// monotonic clock scaled to ClockHz, overflow events are scheduled with
// time.AfterFunc, and edges are fed in by a line backend together with the
// timestamp at which the kernel observed them.
type SoftTimer struct {
	mu sync.Mutex
	// dispatch serializes handler invocations.
	dispatch sync.Mutex

	now   func() time.Duration
	after func(d time.Duration, f func()) (stop func() bool)

	running  bool
	edge     Edge
	capture  bool
	overflow bool

	// base is the clock reading at which a running counter was zero.
	base time.Duration
	// held is the counter value while stopped.
	held uint16

	gen    uint64
	cancel func() bool

	onCapture  func(uint16)
	onOverflow func()
}

// NewSoftTimer creates a stopped SoftTimer on the system monotonic clock.
func NewSoftTimer() *SoftTimer {
	return newSoftTimer(monotonic, func(d time.Duration, f func()) func() bool {
		return time.AfterFunc(d, f).Stop
	})
}

func newSoftTimer(now func() time.Duration, after func(time.Duration, func()) func() bool) *SoftTimer {
	return &SoftTimer{now: now, after: after}
}

// Attach registers the event handlers.
func (t *SoftTimer) Attach(onCapture func(uint16), onOverflow func()) {
	t.mu.Lock()
	t.onCapture = onCapture
	t.onOverflow = onOverflow
	t.mu.Unlock()
}

// Start resumes counting from the held value.
func (t *SoftTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.base = t.now() - TickDuration(uint32(t.held))
	t.running = true
	t.schedule()
}

// Stop freezes the counter.
func (t *SoftTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.held = t.countLocked()
	t.running = false
	t.schedule()
}

func (t *SoftTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *SoftTimer) Count() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *SoftTimer) SetCount(c uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		t.held = c
		return
	}
	t.base = t.now() - TickDuration(uint32(c))
	t.schedule()
}

func (t *SoftTimer) SetEdge(e Edge) {
	t.mu.Lock()
	t.edge = e
	t.mu.Unlock()
}

func (t *SoftTimer) Edge() Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edge
}

func (t *SoftTimer) EnableCapture(on bool) {
	t.mu.Lock()
	t.capture = on
	t.mu.Unlock()
}

func (t *SoftTimer) CaptureEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capture
}

func (t *SoftTimer) EnableOverflow(on bool) {
	t.mu.Lock()
	t.overflow = on
	t.mu.Unlock()
}

func (t *SoftTimer) OverflowEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overflow
}

// Transition presents a transition observed at ts (on the same clock as the timer)
// to the capture unit.
func (t *SoftTimer) Transition(rising bool, ts time.Duration) {
	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	t.mu.Lock()
	if !t.running || !t.capture || rising != (t.edge == Rising) {
		t.mu.Unlock()
		return
	}
	elapsed := ts - t.base
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := Ticks(elapsed)
	if ticks >= Period {
		ticks = Period - 1
	}
	t.base = ts
	t.schedule()
	h := t.onCapture
	t.mu.Unlock()

	if h != nil {
		h(uint16(ticks))
	}
}

func (t *SoftTimer) countLocked() uint16 {
	if !t.running {
		return t.held
	}
	return uint16(Ticks(t.now()-t.base) % Period)
}

// schedule arms the next overflow callback. Callbacks from earlier
// generations are ignored when they fire.
func (t *SoftTimer) schedule() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if !t.running {
		return
	}
	remaining := uint32(Period) - uint32(t.countLocked())
	gen := t.gen
	t.cancel = t.after(TickDuration(remaining), func() { t.fire(gen) })
}

func (t *SoftTimer) fire(gen uint64) {
	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	t.base += TickDuration(Period)
	t.schedule()
	enabled := t.overflow
	h := t.onOverflow
	t.mu.Unlock()

	if enabled && h != nil {
		h()
	}
}
