package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event               string       `json:"event,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	Healthy             bool         `json:"healthy"`
	Ready               bool         `json:"ready"`
	Reading             *ReadingJSON `json:"reading,omitempty"`
	LastStatus          string       `json:"last_status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	UptimeSeconds       int64        `json:"uptime_seconds"`
	StartTime           string       `json:"start_time"`
	Timestamp           string       `json:"timestamp"`
	MQTT                MQTTStatus   `json:"mqtt"`
	Counts              CountsJSON   `json:"poll_counts"`
	Network             *NetworkJSON `json:"network,omitempty"`
	Config              ConfigJSON   `json:"config"`
}

// ReadingJSON is the most recent good reading.
type ReadingJSON struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityRH   float64 `json:"humidity_rh"`
	Timestamp    string  `json:"timestamp"`
	AgeSeconds   int64   `json:"age_seconds"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of poll outcome counts.
type CountsJSON struct {
	OK         int `json:"ok"`
	Checksum   int `json:"crc_error"`
	Timeout    int `json:"timeout"`
	OutOfRange int `json:"out_of_range"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalMs  int64  `json:"interval_ms"`
	FaultAfter  int    `json:"fault_after"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Backend     string `json:"backend"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	last := "none"
	if snap.Polled {
		last = snap.LastStatus.String()
	}

	inner := StatusInner{
		Healthy:             snap.Healthy,
		Ready:               snap.HasReading(),
		LastStatus:          last,
		ConsecutiveFailures: snap.Failures,
		UptimeSeconds:       int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:           snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:           snap.Now.UTC().Format(time.RFC3339),
		MQTT:                MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			OK:         snap.Counts.OK,
			Checksum:   snap.Counts.Checksum,
			Timeout:    snap.Counts.Timeout,
			OutOfRange: snap.Counts.OutOfRange,
		},
		Config: ConfigJSON{
			IntervalMs:  snap.Config.IntervalMs,
			FaultAfter:  snap.Config.FaultAfter,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Backend:     snap.Config.Backend,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}

	if snap.HasReading() {
		inner.Reading = &ReadingJSON{
			TemperatureC: snap.Reading.Celsius(),
			HumidityRH:   snap.Reading.RelativeHumidity(),
			Timestamp:    snap.ReadingTime.UTC().Format(time.RFC3339),
			AgeSeconds:   int64(snap.Now.Sub(snap.ReadingTime).Truncate(time.Second).Seconds()),
		}
	}

	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
