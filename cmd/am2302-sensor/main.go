// Command am2302-sensor polls an AM2302 (DHT22) temperature/humidity sensor
// and publishes readings and sensor health to MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/am2302-sensor/internal/am2302"
	"github.com/sweeney/am2302-sensor/internal/hw"
	"github.com/sweeney/am2302-sensor/internal/logic"
	"github.com/sweeney/am2302-sensor/internal/mqtt"
	"github.com/sweeney/am2302-sensor/internal/sim"
	"github.com/sweeney/am2302-sensor/internal/status"
	"github.com/sweeney/am2302-sensor/internal/web"
)

// The sensor needs this long between conversions.
const minInterval = 2 * time.Second

const (
	// pollStep is how often Result is checked while a conversion runs.
	pollStep = time.Millisecond
	// conversionDeadline bounds a conversion; a complete answer takes ~5 ms.
	conversionDeadline = 50 * time.Millisecond
)

type options struct {
	backend    string
	chip       string
	line       int
	pin        string
	startPulse time.Duration
	simRH      float64
	simTemp    float64

	interval   time.Duration
	maxBackoff time.Duration
	faultAfter int
	heartbeat  time.Duration

	broker       string
	httpAddr     string
	printReading bool
}

func main() {
	var o options
	flag.StringVar(&o.backend, "backend", "gpiocdev", "Sensor backend: gpiocdev, periph or sim")
	flag.StringVar(&o.chip, "chip", "gpiochip0", "GPIO chip (gpiocdev backend)")
	flag.IntVar(&o.line, "line", 4, "GPIO line offset of the data pin (gpiocdev backend)")
	flag.StringVar(&o.pin, "pin", "GPIO4", "Data pin name (periph backend)")
	flag.DurationVar(&o.startPulse, "start-pulse", am2302.DefaultStartPulse, "Length of the request pulse")
	flag.Float64Var(&o.simRH, "sim-rh", 55.0, "Relative humidity reported by the sim backend (%)")
	flag.Float64Var(&o.simTemp, "sim-temp", 21.5, "Temperature reported by the sim backend (°C)")
	flag.DurationVar(&o.interval, "interval", minInterval, "Polling interval (minimum 2s)")
	flag.DurationVar(&o.maxBackoff, "max-backoff", 30*time.Second, "Longest delay between polls while failing")
	flag.IntVar(&o.faultAfter, "fault-after", 5, "Consecutive failed polls before SENSOR_FAULT")
	flag.DurationVar(&o.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	flag.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	flag.StringVar(&o.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.BoolVar(&o.printReading, "print-reading", false, "Take one reading, print it and exit")

	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// device is an opened sensor backend.
type device struct {
	decoder *am2302.Decoder
	// pump, if set, runs a triggered conversion to completion. Hardware
	// backends complete on their own event goroutines and leave it nil.
	pump  func()
	sleep func(time.Duration)
	close func() error
}

func openDevice(o options) (*device, error) {
	opts := []am2302.Option{am2302.WithStartPulse(o.startPulse)}

	switch o.backend {
	case "gpiocdev":
		timer := hw.NewSoftTimer()
		line, err := hw.OpenCdev(o.chip, o.line, timer)
		if err != nil {
			return nil, err
		}
		dec, err := am2302.New(timer, line, opts...)
		if err != nil {
			line.Close()
			return nil, err
		}
		return &device{decoder: dec, sleep: time.Sleep, close: line.Close}, nil

	case "periph":
		timer := hw.NewSoftTimer()
		line, err := hw.OpenPeriph(o.pin, timer)
		if err != nil {
			return nil, err
		}
		dec, err := am2302.New(timer, line, opts...)
		if err != nil {
			line.Close()
			return nil, err
		}
		return &device{decoder: dec, sleep: time.Sleep, close: line.Close}, nil

	case "sim":
		timer := hw.NewFakeTimer()
		line := hw.NewFakeLine()
		sensor := sim.NewSensor(timer, line, am2302.Reading{
			Temperature: int16(math.Round(o.simTemp * 10)),
			Humidity:    uint16(math.Round(o.simRH * 10)),
		})
		dec, err := am2302.New(timer, line, opts...)
		if err != nil {
			return nil, err
		}
		return &device{decoder: dec, pump: sensor.Play, sleep: time.Sleep, close: line.Close}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", o.backend)
}

func validate(o options) error {
	if o.interval < minInterval {
		return fmt.Errorf("interval %v below sensor minimum %v", o.interval, minInterval)
	}
	if o.faultAfter < 1 {
		return fmt.Errorf("fault-after must be at least 1, got %d", o.faultAfter)
	}
	if o.maxBackoff != 0 && o.maxBackoff < o.interval {
		return fmt.Errorf("max-backoff %v shorter than interval %v", o.maxBackoff, o.interval)
	}
	return nil
}

func run(o options) error {
	if err := validate(o); err != nil {
		return err
	}

	dev, err := openDevice(o)
	if err != nil {
		return fmt.Errorf("open %s sensor: %w", o.backend, err)
	}
	defer func() {
		if err := dev.close(); err != nil {
			log.Printf("close sensor: %v", err)
		}
	}()

	if o.printReading {
		r, st, err := readOnce(dev)
		if err != nil {
			return fmt.Errorf("read sensor: %w", err)
		}
		if st != am2302.StatusOK {
			return fmt.Errorf("read sensor: %w", st.Err())
		}
		fmt.Printf("temperature: %.1f°C, humidity: %.1f%%\n", r.Celsius(), r.RelativeHumidity())
		return nil
	}

	publisher, err := mqtt.NewRealPublisher(o.broker, "am2302-sensor")
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		IntervalMs:  o.interval.Milliseconds(),
		FaultAfter:  o.faultAfter,
		HeartbeatMs: o.heartbeat.Milliseconds(),
		Backend:     o.backend,
		Broker:      o.broker,
		HTTPAddr:    o.httpAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetMQTTConnected(publisher.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if o.httpAddr != "" {
		srv := web.New(o.httpAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", o.httpAddr)
	}

	log.Printf("started: backend=%s interval=%v fault-after=%d broker=%s heartbeat=%v",
		o.backend, o.interval, o.faultAfter, o.broker, o.heartbeat)

	// Tick at the backoff step so a backed-off poll is not rounded up to
	// a whole interval.
	ticker := time.NewTicker(logic.BackoffStep)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cfg := loopConfig{
		interval:   o.interval,
		resolution: logic.BackoffStep,
		maxBackoff: o.maxBackoff,
		faultAfter: o.faultAfter,
		heartbeat:  o.heartbeat,
	}
	return runLoop(dev, publisher, publisher, tracker, cfg, time.Now, ticker.C, sigCh)
}

// readOnce runs one conversion and waits for its outcome. A conversion still
// running at the deadline is abandoned and reported as a timeout.
func readOnce(dev *device) (am2302.Reading, am2302.Status, error) {
	if err := dev.decoder.Trigger(); err != nil {
		return am2302.Reading{}, am2302.StatusTimeout, err
	}
	if dev.pump != nil {
		dev.pump()
	}

	for waited := time.Duration(0); ; waited += pollStep {
		r, st := dev.decoder.Result()
		if st != am2302.StatusOngoing {
			return r, st, nil
		}
		if waited >= conversionDeadline {
			break
		}
		dev.sleep(pollStep)
	}

	raw, remaining := dev.decoder.Raw()
	log.Printf("sensor: conversion still running after %v (%d bits missing, partial % x), aborting",
		conversionDeadline, remaining, raw[:])
	if err := dev.decoder.Init(); err != nil {
		return am2302.Reading{}, am2302.StatusTimeout, err
	}
	return am2302.Reading{}, am2302.StatusTimeout, nil
}

type loopConfig struct {
	interval   time.Duration
	// resolution is the tick period; zero means one tick per interval.
	resolution time.Duration
	maxBackoff time.Duration
	faultAfter int
	heartbeat  time.Duration
}

func runLoop(dev *device, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, cfg loopConfig, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	startTime := now()
	monitor := logic.NewMonitor(cfg.faultAfter, startTime)

	// Polls are skipped until nextAt. Half a tick of slack keeps ticker
	// jitter from pushing a due poll to the following tick.
	res := cfg.resolution
	if res <= 0 {
		res = cfg.interval
	}
	var nextAt time.Time

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			if err := dev.decoder.Init(); err != nil {
				log.Printf("sensor: release line: %v", err)
			}
			return nil

		case <-tick:
			t := now()
			if t.Before(nextAt) {
				continue
			}

			r, st, err := readOnce(dev)
			if err != nil {
				log.Printf("sensor: %v", err)
			}

			events := monitor.Process(logic.Sample{Time: t, Status: st, Reading: r})
			nextAt = t.Add(monitor.NextDelay(cfg.interval, cfg.maxBackoff) - res/2)

			if st != am2302.StatusOK {
				log.Printf("sensor: poll failed: %v (%d consecutive)", st, monitor.Failures())
			} else if !logic.Plausible(r) {
				log.Printf("sensor: implausible reading %v discarded", r)
			}

			for _, event := range events {
				switch event.Type {
				case logic.EventReading:
					log.Printf("reading: %v", event.Reading)
				default:
					log.Printf("event: %s (failures=%d)", event.Type, event.Failures)
				}
				if err := publisher.Publish(event); err != nil {
					log.Printf("publish error: %v", err)
					// Don't crash on publish failure
				}
			}

			// Update status tracker for HTTP/metrics consumers
			if tracker != nil {
				tracker.Update(status.FromMonitor(monitor))
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}

			// Check for heartbeat
			if hbData := monitor.CheckHeartbeat(t, cfg.heartbeat); hbData != nil {
				log.Printf("heartbeat: uptime=%v ok=%d crc_error=%d timeout=%d out_of_range=%d",
					hbData.Uptime, hbData.Counts.OK, hbData.Counts.Checksum, hbData.Counts.Timeout, hbData.Counts.OutOfRange)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hbData.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					snap := tracker.Snapshot()
					hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
