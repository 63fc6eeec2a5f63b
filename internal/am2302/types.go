// Package am2302 decodes the single-wire protocol of the AM2302 (DHT22)
// humidity/temperature sensor from edge-capture timer events.
// This package has NO I/O of its own: the timer and data line are injected
// as hw.Timer and hw.Line, and nothing here sleeps or logs.
package am2302

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Timing constants in ticks of the hw.ClockHz reference clock.
const (
	// Threshold separates a 0-bit high period (nominal 28µs, 448 ticks)
	// from a 1-bit high period (nominal 70µs, 1120 ticks). Widths strictly
	// greater than Threshold decode as 1.
	Threshold = 800

	// TimeoutSentinel is left in the stopped counter when no edge arrived
	// within one counter period.
	TimeoutSentinel = 0xffff
)

// Bit counter layout: 41 and 40 are the acknowledgment periods, 39..0 the
// payload bits, most significant first.
const (
	bitsTotal   = 41
	payloadBits = 40
)

const signBit = 0x8000

// State is the phase of a conversion.
type State int

const (
	StateIdle State = iota
	StateDriving
	StateListening
	StateDone
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDriving:
		return "driving"
	case StateListening:
		return "listening"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the outcome of polling for a result.
type Status int

const (
	StatusOK Status = iota
	StatusOngoing
	StatusChecksum
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOngoing:
		return "ongoing"
	case StatusChecksum:
		return "crc_error"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	ErrOngoing  = errors.New("am2302: conversion in progress")
	ErrChecksum = errors.New("am2302: checksum mismatch")
	ErrTimeout  = errors.New("am2302: no response from sensor")
)

// Err returns the sentinel error for a non-OK status, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusOngoing:
		return ErrOngoing
	case StatusChecksum:
		return ErrChecksum
	}
	return ErrTimeout
}

// Reading is a decoded measurement.
type Reading struct {
	// Tenths of °C (e.g. 231 => 23.1°C).
	Temperature int16
	// Tenths of %RH (e.g. 653 => 65.3%).
	Humidity uint16
}

// Celsius returns the temperature in degrees Celsius.
func (r Reading) Celsius() float64 {
	return float64(r.Temperature) / 10
}

// RelativeHumidity returns the humidity in percent.
func (r Reading) RelativeHumidity() float64 {
	return float64(r.Humidity) / 10
}

// Env converts the reading to periph.io physical units.
func (r Reading) Env() physic.Env {
	return physic.Env{
		Temperature: physic.ZeroCelsius + (physic.Celsius/10)*physic.Temperature(r.Temperature),
		Humidity:    physic.RelativeHumidity(r.Humidity) * physic.MilliRH,
	}
}

func (r Reading) String() string {
	e := r.Env()
	return fmt.Sprintf("%s %s", e.Temperature, e.Humidity)
}

// Frame is the 5-byte payload in the order it is received on the wire:
// humidity high, humidity low, temperature high, temperature low, checksum.
type Frame [5]byte

// Checksum returns the 8-bit sum of the four data bytes.
func (f Frame) Checksum() byte {
	return f[0] + f[1] + f[2] + f[3]
}

// Valid reports whether the checksum byte matches the data bytes.
func (f Frame) Valid() bool {
	return f.Checksum() == f[4]
}

// Reading unpacks the data bytes. The temperature is sign-magnitude: bit 15
// is the sign, the low 15 bits the absolute value.
func (f Frame) Reading() Reading {
	r := Reading{Humidity: uint16(f[0])<<8 | uint16(f[1])}
	v := uint16(f[2])<<8 | uint16(f[3])
	if v&signBit != 0 {
		r.Temperature = -int16(v &^ signBit)
	} else {
		r.Temperature = int16(v)
	}
	return r
}

// EncodeFrame builds the frame a sensor would send for r, checksum included.
// Temperature magnitudes beyond 15 bits are clamped.
func EncodeFrame(r Reading) Frame {
	var t uint16
	if r.Temperature < 0 {
		m := -int32(r.Temperature)
		if m > 0x7fff {
			m = 0x7fff
		}
		t = uint16(m) | signBit
	} else {
		t = uint16(r.Temperature)
	}
	f := Frame{byte(r.Humidity >> 8), byte(r.Humidity), byte(t >> 8), byte(t)}
	f[4] = f.Checksum()
	return f
}
