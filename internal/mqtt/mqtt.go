// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/am2302-sensor/internal/logic"
)

// TopicReadings carries one message per good reading.
const TopicReadings = "environment/am2302/sensor/readings"

// TopicEvents carries sensor health changes.
const TopicEvents = "environment/am2302/sensor/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "environment/am2302/sensor/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a sensor event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Sensor SensorPayload `json:"sensor"`
}

// SensorPayload contains the event details. Measurement fields are only
// present on READING and SENSOR_RECOVERED.
type SensorPayload struct {
	Timestamp           string   `json:"timestamp"`
	Event               string   `json:"event"`
	TemperatureC        *float64 `json:"temperature_c,omitempty"`
	HumidityRH          *float64 `json:"humidity_rh,omitempty"`
	Status              string   `json:"status,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures,omitempty"`
}

// TopicFor returns the topic an event is published on.
func TopicFor(event logic.Event) string {
	if event.Type == logic.EventReading {
		return TopicReadings
	}
	return TopicEvents
}

// QoSFor returns the QoS an event is published with. Readings are
// superseded by the next one; health changes are not.
func QoSFor(event logic.Event) byte {
	if event.Type == logic.EventReading {
		return 0
	}
	return 1
}

// FormatPayload creates the JSON payload for a sensor event.
func FormatPayload(event logic.Event) ([]byte, error) {
	p := SensorPayload{
		Timestamp:           event.Timestamp.UTC().Format(time.RFC3339),
		Event:               string(event.Type),
		ConsecutiveFailures: event.Failures,
	}
	switch event.Type {
	case logic.EventReading, logic.EventRecovered:
		t := event.Reading.Celsius()
		h := event.Reading.RelativeHumidity()
		p.TemperatureC = &t
		p.HumidityRH = &h
	case logic.EventFault:
		p.Status = event.Status.String()
	}
	return json.Marshal(Payload{Sensor: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
