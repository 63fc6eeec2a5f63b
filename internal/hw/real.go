//go:build linux

package hw

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// CdevLine drives the data line through the Linux GPIO character device.
// Both edges are detected by the kernel and forwarded, with their kernel
// timestamps, to a SoftTimer acting as the capture unit.
type CdevLine struct {
	chip  *gpiocdev.Chip
	line  *gpiocdev.Line
	timer *SoftTimer
}

// OpenCdev requests offset on the named chip (e.g. "gpiochip0") as an input
// with pull-up and both-edge detection.
func OpenCdev(chipName string, offset int, timer *SoftTimer) (*CdevLine, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer("am2302-sensor"))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	l := &CdevLine{chip: chip, timer: timer}

	// The sensor bus is pulled up externally; the internal pull-up only
	// helps when the module lacks its own resistor.
	line, err := chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(l.handleEvent))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request data line %d: %w", offset, err)
	}
	l.line = line

	return l, nil
}

func (l *CdevLine) handleEvent(evt gpiocdev.LineEvent) {
	l.timer.Transition(evt.Type == gpiocdev.LineEventRisingEdge, evt.Timestamp)
}

// DriveLow switches the line to an output driven to 0.
func (l *CdevLine) DriveLow() error {
	if err := l.line.Reconfigure(gpiocdev.AsOutput(0)); err != nil {
		return fmt.Errorf("drive data line low: %w", err)
	}
	return nil
}

// Release switches the line back to an edge-detecting input.
func (l *CdevLine) Release() error {
	if err := l.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithBothEdges); err != nil {
		return fmt.Errorf("release data line: %w", err)
	}
	return nil
}

// Close releases GPIO resources.
// Leaves the line as a plain input so the sensor is never held low.
func (l *CdevLine) Close() error {
	var errs []error

	if l.line != nil {
		if err := l.line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure data line: %w", err))
		}
		if err := l.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data line: %w", err))
		}
	}
	if l.chip != nil {
		if err := l.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
