package am2302

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/am2302-sensor/internal/hw"
)

// DefaultStartPulse is how long the host holds the line low to request a
// measurement.
const DefaultStartPulse = time.Millisecond

// snapshot is what the event handlers publish on every state transition.
// It is never mutated after being stored.
type snapshot struct {
	state State
	frame Frame
}

// Decoder runs one conversion at a time on a timer with an edge-capture
// unit. Trigger starts a conversion and returns immediately; the capture and
// overflow handlers advance it; Result is polled until it is no longer
// StatusOngoing.
type Decoder struct {
	timer      hw.Timer
	line       hw.Line
	startPulse uint16

	// mu serializes the event handlers against each other and against
	// Trigger, Init and Raw.
	mu    sync.Mutex
	state State
	bits  int
	// buf is filled from the highest index down: buf[4] holds the first
	// byte received and buf[0] the checksum, so a bit lands in buf[bits/8].
	buf [5]byte

	pub atomic.Pointer[snapshot]
}

// Option configures a Decoder.
type Option func(*Decoder) error

// WithStartPulse sets the length of the request pulse. It must fit in one
// counter period.
func WithStartPulse(d time.Duration) Option {
	return func(dec *Decoder) error {
		limit := hw.TickDuration(hw.Period)
		ticks := hw.Ticks(d)
		if d <= 0 || d >= limit || ticks == 0 {
			return fmt.Errorf("am2302: start pulse %v outside (0, %v)", d, limit)
		}
		dec.startPulse = uint16(ticks)
		return nil
	}
}

// New attaches a Decoder to timer and line and puts both into the idle
// state.
func New(timer hw.Timer, line hw.Line, opts ...Option) (*Decoder, error) {
	d := &Decoder{
		timer:      timer,
		line:       line,
		startPulse: uint16(hw.Ticks(DefaultStartPulse)),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	timer.Attach(d.capture, d.overflow)
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

// Init stops any conversion and releases the line. It is idempotent.
func (d *Decoder) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.quiesce()
	d.state = StateIdle
	d.publish()
	if err := d.line.Release(); err != nil {
		return fmt.Errorf("am2302: release line: %w", err)
	}
	return nil
}

// Trigger starts a conversion: the line is driven low and the overflow
// event ends the request pulse. Triggering while a conversion is in
// progress abandons it.
func (d *Decoder) Trigger() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.bits = bitsTotal
	d.buf = [5]byte{}
	d.quiesce()

	if err := d.line.DriveLow(); err != nil {
		d.state = StateIdle
		d.publish()
		return fmt.Errorf("am2302: drive line low: %w", err)
	}

	d.timer.SetEdge(hw.Falling)
	d.timer.SetCount(uint16(hw.Period - uint32(d.startPulse)))
	d.timer.EnableOverflow(true)
	d.state = StateDriving
	d.publish()
	d.timer.Start()
	return nil
}

// overflow handles the counter wrapping: either the request pulse is over,
// or the sensor went silent for a whole counter period.
func (d *Decoder) overflow() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateDriving:
		d.timer.SetCount(0)
		if err := d.line.Release(); err != nil {
			// The sensor cannot answer a line we still hold.
			d.timeout()
			return
		}
		d.timer.SetEdge(hw.Falling)
		d.timer.EnableCapture(true)
		d.state = StateListening
		d.publish()
	case StateListening:
		d.timeout()
	default:
		d.quiesce()
	}
}

// capture handles an edge. width is the number of ticks since the previous
// edge (or since the line was released).
func (d *Decoder) capture(width uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateListening {
		return
	}

	if d.timer.Edge() == hw.Rising {
		// Start of a high period; the next falling edge measures it.
		d.timer.SetEdge(hw.Falling)
		return
	}
	d.timer.SetEdge(hw.Rising)

	if d.bits < payloadBits {
		i := d.bits / 8
		d.buf[i] <<= 1
		if width > Threshold {
			d.buf[i] |= 1
		}
	}

	if d.bits == 0 {
		d.quiesce()
		d.state = StateDone
		d.publish()
		return
	}
	d.bits--
}

func (d *Decoder) timeout() {
	d.quiesce()
	d.timer.SetCount(TimeoutSentinel)
	d.state = StateTimedOut
	d.publish()
}

// quiesce disables both events and stops the counter.
func (d *Decoder) quiesce() {
	d.timer.EnableCapture(false)
	d.timer.EnableOverflow(false)
	d.timer.Stop()
}

func (d *Decoder) publish() {
	d.pub.Store(&snapshot{state: d.state, frame: d.frameLocked()})
}

func (d *Decoder) frameLocked() Frame {
	var f Frame
	for i := range f {
		f[i] = d.buf[len(d.buf)-1-i]
	}
	return f
}

// Result reports the outcome of the last conversion. The reading is only
// meaningful with StatusOK.
func (d *Decoder) Result() (Reading, Status) {
	if d.timer.Running() {
		return Reading{}, StatusOngoing
	}

	s := d.pub.Load()
	switch s.state {
	case StateDriving, StateListening:
		return Reading{}, StatusOngoing
	case StateIdle, StateTimedOut:
		return Reading{}, StatusTimeout
	}
	if d.timer.Count() == TimeoutSentinel {
		return Reading{}, StatusTimeout
	}

	if !s.frame.Valid() {
		return Reading{}, StatusChecksum
	}
	return s.frame.Reading(), StatusOK
}

// Raw returns the received bytes in receipt order and the number of bit
// periods still expected. A non-zero count means the frame is incomplete or
// still in progress.
func (d *Decoder) Raw() (Frame, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameLocked(), d.bits
}

// State returns the phase of the current conversion.
func (d *Decoder) State() State {
	return d.pub.Load().state
}
