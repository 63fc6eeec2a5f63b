package am2302

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sweeney/am2302-sensor/internal/hw"
)

// Nominal timings in ticks, duplicated here so the decoder tests do not
// depend on the simulator package.
const (
	tResponse = 480
	tAck      = 1280
	tBitLow   = 800
	tZero     = 448
	tOne      = 1120
)

type pulse struct {
	rising bool
	after  uint32
}

func waveform(f Frame, zero, one uint32) []pulse {
	p := []pulse{{false, tResponse}, {true, tAck}, {false, tAck}}
	for _, b := range f {
		for i := 7; i >= 0; i-- {
			w := zero
			if b&(1<<uint(i)) != 0 {
				w = one
			}
			p = append(p, pulse{true, tBitLow}, pulse{false, w})
		}
	}
	return append(p, pulse{true, tBitLow})
}

func newTestDecoder(t *testing.T, opts ...Option) (*Decoder, *hw.FakeTimer, *hw.FakeLine) {
	t.Helper()
	timer := hw.NewFakeTimer()
	line := hw.NewFakeLine()
	d, err := New(timer, line, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, timer, line
}

// triggerAndRelease starts a conversion and lets the request pulse end.
func triggerAndRelease(t *testing.T, d *Decoder, timer *hw.FakeTimer) {
	t.Helper()
	if err := d.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	timer.Elapse(uint32(hw.Period) - uint32(timer.Count()))
	if d.State() != StateListening {
		t.Fatalf("state after start pulse: got %v, want listening", d.State())
	}
}

func feed(timer *hw.FakeTimer, pulses []pulse) {
	for _, p := range pulses {
		timer.Transition(p.rising, p.after)
	}
}

func decodeFrame(t *testing.T, f Frame) (*Decoder, Reading, Status) {
	t.Helper()
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)
	feed(timer, waveform(f, tZero, tOne))
	r, st := d.Result()
	return d, r, st
}

func TestNewIsIdle(t *testing.T) {
	d, timer, line := newTestDecoder(t)

	if d.State() != StateIdle {
		t.Errorf("state: got %v, want idle", d.State())
	}
	if timer.Running() {
		t.Error("timer should be stopped")
	}
	if timer.CaptureEnabled() || timer.OverflowEnabled() {
		t.Error("events should be disabled")
	}
	if line.Low() || line.Releases != 1 {
		t.Errorf("line should be released once, low=%v releases=%d", line.Low(), line.Releases)
	}

	// No conversion was ever observed.
	if _, st := d.Result(); st != StatusTimeout {
		t.Errorf("idle result: got %v, want timeout", st)
	}
}

func TestInitIdempotent(t *testing.T) {
	d, timer, line := newTestDecoder(t)
	for i := 0; i < 3; i++ {
		if err := d.Init(); err != nil {
			t.Fatalf("Init %d: %v", i, err)
		}
	}
	if d.State() != StateIdle || timer.Running() || line.Low() {
		t.Errorf("not at rest: state %v running %v low %v", d.State(), timer.Running(), line.Low())
	}
}

func TestTriggerStartsRequestPulse(t *testing.T) {
	d, timer, line := newTestDecoder(t)

	if err := d.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if !line.Low() {
		t.Error("line should be driven low")
	}
	if !timer.Running() {
		t.Error("timer should be running")
	}
	if got, want := timer.Count(), uint16(hw.Period-16000); got != want {
		t.Errorf("preload: got %d, want %d", got, want)
	}
	if !timer.OverflowEnabled() || timer.CaptureEnabled() {
		t.Errorf("events: overflow %v capture %v, want overflow only",
			timer.OverflowEnabled(), timer.CaptureEnabled())
	}
	if d.State() != StateDriving {
		t.Errorf("state: got %v, want driving", d.State())
	}

	f, remaining := d.Raw()
	if diff := cmp.Diff(Frame{}, f); diff != "" {
		t.Errorf("buffer not cleared (-want +got):\n%s", diff)
	}
	if remaining != 41 {
		t.Errorf("bit counter: got %d, want 41", remaining)
	}

	if _, st := d.Result(); st != StatusOngoing {
		t.Errorf("result: got %v, want ongoing", st)
	}
}

func TestStartPulseEndArmsCapture(t *testing.T) {
	d, timer, line := newTestDecoder(t)
	if err := d.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	timer.Elapse(15999)
	if d.State() != StateDriving || !line.Low() {
		t.Fatalf("pulse ended early: state %v low %v", d.State(), line.Low())
	}

	timer.Elapse(1)
	if d.State() != StateListening {
		t.Errorf("state: got %v, want listening", d.State())
	}
	if line.Low() {
		t.Error("line should be released")
	}
	if !timer.CaptureEnabled() || !timer.OverflowEnabled() {
		t.Error("capture and overflow should both be armed")
	}
	if timer.Edge() != hw.Falling {
		t.Errorf("edge: got %v, want falling", timer.Edge())
	}
	if timer.Count() != 0 {
		t.Errorf("count: got %d, want 0", timer.Count())
	}
	if _, st := d.Result(); st != StatusOngoing {
		t.Errorf("result: got %v, want ongoing", st)
	}
}

func TestWithStartPulse(t *testing.T) {
	d, timer, _ := newTestDecoder(t, WithStartPulse(80*time.Microsecond))
	if err := d.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got, want := timer.Count(), uint16(hw.Period-1280); got != want {
		t.Errorf("preload: got %d, want %d", got, want)
	}

	invalid := []time.Duration{
		0,
		-time.Millisecond,
		30 * time.Nanosecond,
		5 * time.Millisecond,
		hw.TickDuration(hw.Period),
		// 2^32+16000 ticks: would wrap to a valid-looking 1ms.
		268436456 * time.Microsecond,
	}
	for _, bad := range invalid {
		if _, err := New(hw.NewFakeTimer(), hw.NewFakeLine(), WithStartPulse(bad)); err == nil {
			t.Errorf("start pulse %v: expected error", bad)
		}
	}
}

func TestNominalReading(t *testing.T) {
	want := Frame{0x02, 0x8D, 0x00, 0xE7, 0x76}
	d, r, st := decodeFrame(t, want)

	if st != StatusOK {
		t.Fatalf("status: got %v, want ok", st)
	}
	if r.Humidity != 653 {
		t.Errorf("humidity: got %d, want 653", r.Humidity)
	}
	if r.Temperature != 231 {
		t.Errorf("temperature: got %d, want 231", r.Temperature)
	}

	raw, remaining := d.Raw()
	if diff := cmp.Diff(want, raw); diff != "" {
		t.Errorf("raw frame (-want +got):\n%s", diff)
	}
	if remaining != 0 {
		t.Errorf("remaining bits: got %d, want 0", remaining)
	}
	if d.State() != StateDone {
		t.Errorf("state: got %v, want done", d.State())
	}
}

func TestConversionStopsTimer(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)
	feed(timer, waveform(EncodeFrame(Reading{Temperature: 1, Humidity: 2}), tZero, tOne))

	if timer.Running() {
		t.Error("timer still running after the last bit")
	}
	if timer.CaptureEnabled() || timer.OverflowEnabled() {
		t.Error("events still enabled after the last bit")
	}
	// 3 acknowledgment edges + 80 bit edges; the terminal release is not
	// captured.
	if timer.Captures != 83 {
		t.Errorf("captures: got %d, want 83", timer.Captures)
	}
}

func TestRoundTrip(t *testing.T) {
	for rh := 0; rh <= 999; rh += 37 {
		for temp := -500; temp <= 999; temp += 53 {
			in := Reading{Temperature: int16(temp), Humidity: uint16(rh)}
			_, got, st := decodeFrame(t, EncodeFrame(in))
			if st != StatusOK {
				t.Fatalf("%+v: status %v", in, st)
			}
			if got != in {
				t.Fatalf("round trip: got %+v, want %+v", got, in)
			}
		}
	}

	for _, in := range []Reading{
		{Temperature: 0, Humidity: 0},
		{Temperature: 999, Humidity: 999},
		{Temperature: -500, Humidity: 1000},
		{Temperature: -1, Humidity: 1},
	} {
		_, got, st := decodeFrame(t, EncodeFrame(in))
		if st != StatusOK || got != in {
			t.Errorf("%+v: got %+v status %v", in, got, st)
		}
	}
}

// Negative temperatures are sign-magnitude: bit 15 set, the low 15 bits hold
// the absolute value. 0x8065 is -10.1°C.
func TestNegativeTemperatureSignMagnitude(t *testing.T) {
	f := Frame{0x01, 0xF4, 0x80, 0x65}
	f[4] = f.Checksum()

	_, r, st := decodeFrame(t, f)
	if st != StatusOK {
		t.Fatalf("status: got %v, want ok", st)
	}
	if r.Temperature != -101 {
		t.Errorf("temperature: got %d, want -101", r.Temperature)
	}
	if r.Humidity != 500 {
		t.Errorf("humidity: got %d, want 500", r.Humidity)
	}

	// Negative zero decodes to zero.
	f = Frame{0x00, 0x00, 0x80, 0x00}
	f[4] = f.Checksum()
	if _, r, st := decodeFrame(t, f); st != StatusOK || r.Temperature != 0 {
		t.Errorf("negative zero: got %d status %v", r.Temperature, st)
	}
}

func TestChecksumEnforcement(t *testing.T) {
	valid := EncodeFrame(Reading{Temperature: 231, Humidity: 653})

	for i := range valid {
		for _, mask := range []byte{0x01, 0x02, 0x10, 0x80, 0x7f, 0xff} {
			bad := valid
			bad[i] ^= mask
			_, r, st := decodeFrame(t, bad)
			if st != StatusChecksum {
				t.Errorf("byte %d ^ %#02x: got %v, want crc_error", i, mask, st)
			}
			if r != (Reading{}) {
				t.Errorf("byte %d ^ %#02x: reading written on error: %+v", i, mask, r)
			}
		}
	}
}

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		width uint16
		want  byte
	}{
		{Threshold - 1, 0x00},
		{Threshold, 0x00},
		{Threshold + 1, 0xff},
	}

	for _, tt := range tests {
		d, timer, _ := newTestDecoder(t)
		triggerAndRelease(t, d, timer)
		// Every bit gets the same high period, so the data bits are all
		// equal to the classification of width.
		feed(timer, waveform(Frame{0xff, 0xff, 0xff, 0xff, 0xff}, uint32(tt.width), uint32(tt.width)))

		raw, remaining := d.Raw()
		if remaining != 0 {
			t.Fatalf("width %d: remaining %d", tt.width, remaining)
		}
		want := Frame{tt.want, tt.want, tt.want, tt.want, tt.want}
		if diff := cmp.Diff(want, raw); diff != "" {
			t.Errorf("width %d (-want +got):\n%s", tt.width, diff)
		}
	}
}

func TestBitCounterCountsDown(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)

	pulses := waveform(EncodeFrame(Reading{Temperature: 231, Humidity: 653}), tZero, tOne)
	_, prev := d.Raw()
	if prev != 41 {
		t.Fatalf("initial counter: got %d, want 41", prev)
	}

	for i, p := range pulses[:len(pulses)-1] {
		timer.Transition(p.rising, p.after)
		_, cur := d.Raw()
		if cur > prev {
			t.Fatalf("pulse %d: counter went up from %d to %d", i, prev, cur)
		}
		if cur < 0 || cur > 41 {
			t.Fatalf("pulse %d: counter %d out of range", i, cur)
		}
		prev = cur
	}
	if prev != 0 {
		t.Errorf("final counter: got %d, want 0", prev)
	}

	// After the acknowledgment the counter sits at 39.
	d2, timer2, _ := newTestDecoder(t)
	triggerAndRelease(t, d2, timer2)
	feed(timer2, pulses[:3])
	if _, n := d2.Raw(); n != 39 {
		t.Errorf("after acknowledgment: got %d, want 39", n)
	}
}

func TestTruncatedFrameTimesOut(t *testing.T) {
	pulses := waveform(EncodeFrame(Reading{Temperature: 231, Humidity: 653}), tZero, tOne)

	// The last captured edge is the falling edge of bit 0 at index
	// len-2; stopping anywhere before it must never produce a result.
	for n := 0; n < len(pulses)-1; n++ {
		d, timer, _ := newTestDecoder(t)
		triggerAndRelease(t, d, timer)
		feed(timer, pulses[:n])

		if _, st := d.Result(); st != StatusOngoing {
			t.Fatalf("n=%d before silence: got %v, want ongoing", n, st)
		}

		timer.Elapse(hw.Period)

		if _, st := d.Result(); st != StatusTimeout {
			t.Fatalf("n=%d: got %v, want timeout", n, st)
		}
		if d.State() != StateTimedOut {
			t.Fatalf("n=%d: state %v, want timed_out", n, d.State())
		}
		if timer.Count() != TimeoutSentinel {
			t.Fatalf("n=%d: count %#x, want sentinel", n, timer.Count())
		}
		// Until the 39th payload bit lands the counter flags the frame
		// as incomplete.
		if _, remaining := d.Raw(); n < len(pulses)-3 && remaining == 0 {
			t.Fatalf("n=%d: remaining bits 0 on a truncated frame", n)
		}
	}
}

func TestSilenceJustShortOfTimeout(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)

	timer.Elapse(hw.Period - 1)
	if _, st := d.Result(); st != StatusOngoing {
		t.Fatalf("got %v, want ongoing", st)
	}
	timer.Elapse(1)
	if _, st := d.Result(); st != StatusTimeout {
		t.Errorf("got %v, want timeout", st)
	}
}

func TestTimeoutSentinelTakesPrecedence(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)
	feed(timer, waveform(EncodeFrame(Reading{Temperature: 231, Humidity: 653}), tZero, tOne))
	if _, st := d.Result(); st != StatusOK {
		t.Fatalf("precondition: got %v, want ok", st)
	}

	timer.SetCount(TimeoutSentinel)
	if r, st := d.Result(); st != StatusTimeout || r != (Reading{}) {
		t.Errorf("got %+v %v, want zero reading and timeout", r, st)
	}
}

func TestResultOngoingWhileTimerRuns(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	triggerAndRelease(t, d, timer)
	feed(timer, waveform(EncodeFrame(Reading{Temperature: 231, Humidity: 653}), tZero, tOne))

	// A running counter means not finished, whatever the buffer holds.
	timer.Start()
	if _, st := d.Result(); st != StatusOngoing {
		t.Errorf("got %v, want ongoing", st)
	}
}

func TestTriggerDriveError(t *testing.T) {
	d, timer, line := newTestDecoder(t)
	injected := errors.New("line stuck")
	line.DriveError = injected

	err := d.Trigger()
	if !errors.Is(err, injected) {
		t.Fatalf("got %v, want wrapped %v", err, injected)
	}
	if timer.Running() {
		t.Error("timer should not run when the line cannot be driven")
	}
	if d.State() != StateIdle {
		t.Errorf("state: got %v, want idle", d.State())
	}
}

func TestReleaseErrorTimesOut(t *testing.T) {
	d, timer, line := newTestDecoder(t)
	if err := d.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	line.ReleaseError = errors.New("release failed")

	timer.Elapse(16000)
	if d.State() != StateTimedOut {
		t.Errorf("state: got %v, want timed_out", d.State())
	}
	if _, st := d.Result(); st != StatusTimeout {
		t.Errorf("result: got %v, want timeout", st)
	}
}

func TestInitAbortsConversion(t *testing.T) {
	d, timer, line := newTestDecoder(t)
	triggerAndRelease(t, d, timer)
	feed(timer, waveform(Frame{}, tZero, tOne)[:10])

	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if timer.Running() || line.Low() || d.State() != StateIdle {
		t.Errorf("not at rest: running %v low %v state %v", timer.Running(), line.Low(), d.State())
	}

	// Late events from the abandoned conversion are ignored.
	timer.Start()
	timer.EnableCapture(true)
	timer.Transition(false, 100)
	if d.State() != StateIdle {
		t.Errorf("stray capture changed state to %v", d.State())
	}
}

func TestRetriggerRestartsConversion(t *testing.T) {
	d, timer, _ := newTestDecoder(t)
	want := Reading{Temperature: -57, Humidity: 412}
	pulses := waveform(EncodeFrame(want), tZero, tOne)

	triggerAndRelease(t, d, timer)
	feed(timer, pulses[:25])

	triggerAndRelease(t, d, timer)
	if _, n := d.Raw(); n != 41 {
		t.Fatalf("counter after retrigger: got %d, want 41", n)
	}
	feed(timer, pulses)

	got, st := d.Result()
	if st != StatusOK || got != want {
		t.Errorf("got %+v %v, want %+v ok", got, st, want)
	}
}

func TestStatusErr(t *testing.T) {
	tests := []struct {
		st   Status
		want error
		name string
	}{
		{StatusOK, nil, "ok"},
		{StatusOngoing, ErrOngoing, "ongoing"},
		{StatusChecksum, ErrChecksum, "crc_error"},
		{StatusTimeout, ErrTimeout, "timeout"},
	}
	for _, tt := range tests {
		if err := tt.st.Err(); !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
			t.Errorf("%v.Err() = %v, want %v", tt.st, err, tt.want)
		}
		if tt.st.String() != tt.name {
			t.Errorf("String: got %q, want %q", tt.st.String(), tt.name)
		}
	}
}
