// Package logic contains pure decision logic for sensor polling.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/sweeney/am2302-sensor/internal/am2302"
)

// EventType represents something worth publishing.
type EventType string

const (
	EventReading   EventType = "READING"
	EventFault     EventType = "SENSOR_FAULT"
	EventRecovered EventType = "SENSOR_RECOVERED"
)

// Event represents a reading or health change to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	// Reading is set for READING and SENSOR_RECOVERED.
	Reading am2302.Reading
	// Status is the result that caused a SENSOR_FAULT.
	Status am2302.Status
	// Failures is the number of consecutive failed polls.
	Failures int
}

// Sample is the outcome of one poll of the sensor.
type Sample struct {
	Time    time.Time
	Status  am2302.Status
	Reading am2302.Reading
}

// Counts tracks the number of each poll outcome since startup.
type Counts struct {
	OK         int
	Checksum   int
	Timeout    int
	OutOfRange int
}

// Failed returns the number of unsuccessful polls.
func (c Counts) Failed() int {
	return c.Checksum + c.Timeout + c.OutOfRange
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    Counts
}

// Datasheet measuring range, in tenths.
const (
	MinTemperature = -400
	MaxTemperature = 800
	MaxHumidity    = 1000
)

// Plausible reports whether r lies within the sensor's measuring range.
func Plausible(r am2302.Reading) bool {
	return r.Humidity <= MaxHumidity &&
		r.Temperature >= MinTemperature && r.Temperature <= MaxTemperature
}
