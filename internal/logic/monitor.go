package logic

import (
	"time"

	"github.com/sweeney/am2302-sensor/internal/am2302"
)

// BackoffStep is added to the poll interval for each consecutive failure.
const BackoffStep = 500 * time.Millisecond

// Monitor tracks poll outcomes and decides what to publish.
type Monitor struct {
	faultAfter int
	startTime  time.Time

	started       bool
	failures      int
	faulted       bool
	last          am2302.Reading
	lastTime      time.Time
	lastStatus    am2302.Status
	counts        Counts
	lastHeartbeat time.Time
}

// NewMonitor creates a monitor that reports a fault after faultAfter
// consecutive failed polls. The startTime is used for calculating uptime in
// heartbeat events.
func NewMonitor(faultAfter int, startTime time.Time) *Monitor {
	if faultAfter < 1 {
		faultAfter = 1
	}
	return &Monitor{
		faultAfter:    faultAfter,
		startTime:     startTime,
		lastHeartbeat: startTime,
		lastStatus:    am2302.StatusOngoing,
	}
}

// Process takes a poll outcome and returns any events that should be emitted.
// StatusOngoing samples are ignored: the caller decides when a conversion
// has taken too long and reports it as a timeout.
func (m *Monitor) Process(s Sample) []Event {
	if s.Status == am2302.StatusOngoing {
		return nil
	}
	m.started = true
	m.lastStatus = s.Status

	ok := false
	switch s.Status {
	case am2302.StatusOK:
		if Plausible(s.Reading) {
			m.counts.OK++
			ok = true
		} else {
			m.counts.OutOfRange++
		}
	case am2302.StatusChecksum:
		m.counts.Checksum++
	default:
		m.counts.Timeout++
	}

	if !ok {
		m.failures++
		if m.failures >= m.faultAfter && !m.faulted {
			m.faulted = true
			return []Event{{
				Timestamp: s.Time,
				Type:      EventFault,
				Status:    s.Status,
				Failures:  m.failures,
			}}
		}
		return nil
	}

	var events []Event
	if m.faulted {
		m.faulted = false
		events = append(events, Event{
			Timestamp: s.Time,
			Type:      EventRecovered,
			Reading:   s.Reading,
			Failures:  m.failures,
		})
	}
	m.failures = 0
	m.last = s.Reading
	m.lastTime = s.Time

	events = append(events, Event{
		Timestamp: s.Time,
		Type:      EventReading,
		Reading:   s.Reading,
	})
	return events
}

// NextDelay returns how long to wait before the next poll: the interval plus
// BackoffStep per consecutive failure, capped at limit (if limit > 0).
func (m *Monitor) NextDelay(interval, limit time.Duration) time.Duration {
	d := interval + time.Duration(m.failures)*BackoffStep
	if limit > 0 && d > limit {
		d = limit
	}
	if d < interval {
		d = interval
	}
	return d
}

// LastReading returns the most recent good reading and when it was taken.
// ok is false until a good reading has been seen.
func (m *Monitor) LastReading() (r am2302.Reading, at time.Time, ok bool) {
	return m.last, m.lastTime, !m.lastTime.IsZero()
}

// LastStatus returns the status of the most recent completed poll.
func (m *Monitor) LastStatus() am2302.Status {
	return m.lastStatus
}

// Healthy reports whether the sensor is not in the fault state.
func (m *Monitor) Healthy() bool {
	return !m.faulted
}

// Failures returns the number of consecutive failed polls.
func (m *Monitor) Failures() int {
	return m.failures
}

// CountsSnapshot returns a copy of the outcome counts.
func (m *Monitor) CountsSnapshot() Counts {
	return m.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if no poll has completed yet, if
// the interval has not elapsed, or if interval is <= 0 (disabled).
func (m *Monitor) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !m.started {
		return nil
	}

	if now.Sub(m.lastHeartbeat) < interval {
		return nil
	}

	m.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(m.startTime),
		Counts:    m.counts,
	}
}
