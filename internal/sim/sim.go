// Package sim simulates an AM2302 answering on a fake timer, for tests and
// for running the daemon without hardware.
package sim

import (
	"time"

	"github.com/sweeney/am2302-sensor/internal/am2302"
	"github.com/sweeney/am2302-sensor/internal/hw"
)

// Datasheet timings of the sensor's answer.
const (
	ResponseDelay = 30 * time.Microsecond
	AckLow        = 80 * time.Microsecond
	AckHigh       = 80 * time.Microsecond
	BitLow        = 50 * time.Microsecond
	ZeroHigh      = 28 * time.Microsecond
	OneHigh       = 70 * time.Microsecond
)

// Pulse is one transition of the data line, After ticks past the previous
// one (or past the release of the line for the first).
type Pulse struct {
	Rising bool
	After  uint32
}

// Waveform returns the transitions a sensor produces to send f, using the
// nominal bit timings.
func Waveform(f am2302.Frame) []Pulse {
	return WaveformWidths(f, hw.Ticks(ZeroHigh), hw.Ticks(OneHigh))
}

// WaveformWidths is Waveform with explicit high-period widths for 0 and 1
// bits, in ticks.
func WaveformWidths(f am2302.Frame, zero, one uint32) []Pulse {
	p := make([]Pulse, 0, 3+2*40+1)
	p = append(p,
		Pulse{Rising: false, After: hw.Ticks(ResponseDelay)},
		Pulse{Rising: true, After: hw.Ticks(AckLow)},
		Pulse{Rising: false, After: hw.Ticks(AckHigh)},
	)
	for _, b := range f {
		for i := 7; i >= 0; i-- {
			high := zero
			if b&(1<<uint(i)) != 0 {
				high = one
			}
			p = append(p,
				Pulse{Rising: true, After: hw.Ticks(BitLow)},
				Pulse{Rising: false, After: high},
			)
		}
	}
	// End of the terminal low pulse: the line floats high again.
	p = append(p, Pulse{Rising: true, After: hw.Ticks(BitLow)})
	return p
}

// Sensor answers conversions triggered on Timer and Line.
type Sensor struct {
	Timer *hw.FakeTimer
	Line  *hw.FakeLine

	// Frame is what the sensor sends.
	Frame am2302.Frame

	// Silent makes the sensor never answer.
	Silent bool

	// Truncate, if positive, stops the answer after that many pulses.
	Truncate int
}

// NewSensor creates a sensor that reports r.
func NewSensor(timer *hw.FakeTimer, line *hw.FakeLine, r am2302.Reading) *Sensor {
	return &Sensor{Timer: timer, Line: line, Frame: am2302.EncodeFrame(r)}
}

// Play runs a triggered conversion to completion: it lets the request pulse
// elapse, then, once the host has released the line, plays the answer. If
// the answer is cut short the timer is left to run into its timeout.
func (s *Sensor) Play() {
	if !s.Timer.Running() {
		return
	}
	s.Timer.Elapse(uint32(hw.Period) - uint32(s.Timer.Count()))
	if s.Line.Low() || !s.Timer.Running() {
		return
	}

	if !s.Silent {
		pulses := Waveform(s.Frame)
		if s.Truncate > 0 && s.Truncate < len(pulses) {
			pulses = pulses[:s.Truncate]
		}
		Feed(s.Timer, pulses)
	}

	// Whatever is still listening hears nothing more.
	s.Timer.Elapse(hw.Period)
}

// Feed presents pulses to the timer's capture unit in order.
func Feed(t *hw.FakeTimer, pulses []Pulse) {
	for _, p := range pulses {
		t.Transition(p.Rising, p.After)
	}
}
