// Package status provides a thread-safe status tracker for the am2302-sensor daemon.
// It is read by the HTTP handlers and the metrics collector.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/am2302-sensor/internal/am2302"
	"github.com/sweeney/am2302-sensor/internal/logic"
)

// NetworkInfo contains network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	IntervalMs  int64
	FaultAfter  int
	HeartbeatMs int64
	Backend     string
	Broker      string
	HTTPAddr    string
}

// Poll is the sensor state after the most recent poll.
type Poll struct {
	Reading     am2302.Reading
	ReadingTime time.Time // zero until the first good reading
	LastStatus  am2302.Status
	Healthy     bool
	Failures    int
	Counts      logic.Counts
}

// HasReading reports whether a good reading has been taken.
func (p Poll) HasReading() bool {
	return !p.ReadingTime.IsZero()
}

// FromMonitor captures the monitor's current view.
func FromMonitor(m *logic.Monitor) Poll {
	r, at, _ := m.LastReading()
	return Poll{
		Reading:     r,
		ReadingTime: at,
		LastStatus:  m.LastStatus(),
		Healthy:     m.Healthy(),
		Failures:    m.Failures(),
		Counts:      m.CountsSnapshot(),
	}
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Poll
	Polled        bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Poll:      Poll{Healthy: true, LastStatus: am2302.StatusOngoing},
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the outcome of a poll. Called from runLoop after every
// completed conversion.
func (t *Tracker) Update(p Poll) {
	t.mu.Lock()
	t.snap.Poll = p
	t.snap.Polled = true
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
