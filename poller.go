package main

import (
	"context"
	"time"

	"github.com/prometheus/common/log"

	"github.com/markuslindenberg/vrg_exporter/vrg"
)

// poller reads the instrument on an interval and publishes each Reading.
type poller struct {
	driver    *vrg.Driver
	interval  time.Duration
	reconnect bool
	readings  chan Reading
}

func newPoller(driver *vrg.Driver, interval time.Duration, reconnect bool) *poller {
	return &poller{
		driver:    driver,
		interval:  interval,
		reconnect: reconnect,
		readings:  make(chan Reading, 1),
	}
}

// Readings is closed when Run returns.
func (p *poller) Readings() <-chan Reading { return p.readings }

// Run polls until ctx is cancelled.
func (p *poller) Run(ctx context.Context) {
	defer close(p.readings)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case p.readings <- p.poll():
		case <-ctx.Done():
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *poller) poll() Reading {
	d := p.driver
	if p.reconnect && !d.Connected() {
		if err := d.Connect(); err != nil {
			log.Debugln("Reconnect failed:", err)
			return unavailable(d.State(), err)
		}
	}

	r := Reading{Time: time.Now(), Available: true}
	var telemetry vrg.Telemetry
	steps := []func() error{
		func() (err error) { r.ForwardPower, err = d.ForwardPower(); return },
		func() (err error) { r.ReflectedPower, err = d.ReflectedPower(); return },
		func() (err error) { r.AbsorbedPower, err = d.AbsorbedPower(); return },
		func() (err error) { r.PowerSetting, err = d.PowerSetting(); return },
		func() (err error) { r.Frequency, err = d.Frequency(); return },
		func() (err error) { r.MinFrequency, err = d.MinFrequency(); return },
		func() (err error) { r.MaxFrequency, err = d.MaxFrequency(); return },
		func() error {
			s, err := d.StatusByte()
			r.EnableSwitch, r.InterlockOpen, r.Overtemperature = s.EnableSwitchOn(), s.InterlockOpen(), s.Overtemperature()
			return err
		},
		func() (err error) { telemetry, err = d.Telemetry(); return },
		func() (err error) { r.FactoryInfo, err = d.FactoryInfo(); return },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return unavailable(d.State(), err)
		}
	}

	r.Telemetry = &telemetry
	r.OutputEnabled = telemetry.OutputEnabled()
	r.Overcurrent = telemetry.Overcurrent()
	r.State = d.State().String()
	return r
}
