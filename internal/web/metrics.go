package web

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/am2302-sensor/internal/logic"
	"github.com/sweeney/am2302-sensor/internal/status"
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// newRegistry exposes the tracker's state as Prometheus metrics. Values are
// read at scrape time.
func newRegistry(tracker *status.Tracker) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "temperature_celsius",
		Help:      "Last good temperature reading.",
	}, func() float64 {
		s := tracker.Snapshot()
		if !s.HasReading() {
			return math.NaN()
		}
		return s.Reading.Celsius()
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "humidity_percent",
		Help:      "Last good relative humidity reading.",
	}, func() float64 {
		s := tracker.Snapshot()
		if !s.HasReading() {
			return math.NaN()
		}
		return s.Reading.RelativeHumidity()
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "reading_age_seconds",
		Help:      "Time since the last good reading.",
	}, func() float64 {
		s := tracker.Snapshot()
		if !s.HasReading() {
			return math.NaN()
		}
		return s.Now.Sub(s.ReadingTime).Seconds()
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "healthy",
		Help:      "1 unless the sensor is in the fault state.",
	}, func() float64 {
		return boolGauge(tracker.Snapshot().Healthy)
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "consecutive_failures",
		Help:      "Failed polls since the last good reading.",
	}, func() float64 {
		return float64(tracker.Snapshot().Failures)
	})

	for _, c := range []struct {
		result string
		get    func(logic.Counts) int
	}{
		{"ok", func(c logic.Counts) int { return c.OK }},
		{"crc_error", func(c logic.Counts) int { return c.Checksum }},
		{"timeout", func(c logic.Counts) int { return c.Timeout }},
		{"out_of_range", func(c logic.Counts) int { return c.OutOfRange }},
	} {
		get := c.get
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "sensors",
			Subsystem:   "am2302",
			Name:        "polls_total",
			Help:        "Completed polls by result.",
			ConstLabels: prometheus.Labels{"result": c.result},
		}, func() float64 {
			return float64(get(tracker.Snapshot().Counts))
		})
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "mqtt_connected",
		Help:      "1 while the MQTT broker connection is up.",
	}, func() float64 {
		return boolGauge(tracker.Snapshot().MQTTConnected)
	})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sensors",
		Subsystem: "am2302",
		Name:      "uptime_seconds",
		Help:      "Time since the daemon started.",
	}, func() float64 {
		return tracker.Snapshot().Uptime().Seconds()
	})

	return reg
}
