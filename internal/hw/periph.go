package hw

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// sampleQuiet ends a sampling burst once the line has not changed for this
// long. The sensor answers within 40us of release and no level lasts longer
// than 80us, so a quiet millisecond means the frame is over or never came.
const sampleQuiet = time.Millisecond

// PeriphLine drives the data line through periph.io host drivers. After the
// line is released a goroutine busy-reads the pin and timestamps every level
// change itself; WaitForEdge wakes up too late to resolve the 26us high
// period of a 0 bit. Prefer CdevLine where the character device is
// available, since the kernel timestamps its edges.
type PeriphLine struct {
	pin   gpio.PinIO
	timer *SoftTimer

	listening atomic.Bool
	start     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// OpenPeriph initializes the periph.io host and opens the named pin
// (e.g. "GPIO4").
func OpenPeriph(name string, timer *SoftTimer) (*PeriphLine, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("pin %q not found", name)
	}

	l := &PeriphLine{
		pin:   pin,
		timer: timer,
		start: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.watch()

	if err := l.Release(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *PeriphLine) watch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.start:
		}

		// A collection during the burst would stall the loop for longer
		// than a bit lasts.
		gc := debug.SetGCPercent(-1)
		sampleEdges(l.pin.Read, monotonic, sampleQuiet, l.listening.Load, l.timer.Transition)
		debug.SetGCPercent(gc)
	}
}

// sampleEdges reads the pin in a tight loop and reports each level change
// with the time it was seen. It returns the number of changes once the level
// has held for quiet, or as soon as keep reports false.
func sampleEdges(read func() gpio.Level, now func() time.Duration, quiet time.Duration, keep func() bool, emit func(rising bool, ts time.Duration)) int {
	prev := read()
	last := now()
	n := 0
	for keep() {
		level := read()
		ts := now()
		if level == prev {
			if ts-last >= quiet {
				break
			}
			continue
		}
		emit(level == gpio.High, ts)
		prev = level
		last = ts
		n++
	}
	return n
}

// DriveLow pulls the line to ground.
func (l *PeriphLine) DriveLow() error {
	l.listening.Store(false)
	if err := l.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("pin out low: %w", err)
	}
	return nil
}

// Release turns the pin into a pulled-up input and starts a sampling burst.
// It does not wait for the burst, so it is safe to call from a timer handler.
func (l *PeriphLine) Release() error {
	if err := l.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("pin in: %w", err)
	}
	l.listening.Store(true)
	select {
	case l.start <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the sampling goroutine and leaves the pin as an input.
func (l *PeriphLine) Close() error {
	l.listening.Store(false)
	close(l.done)
	l.wg.Wait()

	var errs []error
	if err := l.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
	}
	if err := l.pin.Halt(); err != nil {
		errs = append(errs, fmt.Errorf("halt pin: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
