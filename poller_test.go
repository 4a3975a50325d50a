package main

import (
	"context"
	"testing"
	"time"

	"github.com/markuslindenberg/vrg_exporter/vrg"
	"github.com/markuslindenberg/vrg_exporter/vrg/vrgtest"
)

func TestPollerReading(t *testing.T) {
	dev := vrgtest.NewDevice()
	dev.RFEnabled = true
	p := newPoller(newTestDriver(t, dev, newTransportMetrics()), time.Second, false)

	r := p.poll()
	if !r.Available {
		t.Fatalf("reading unavailable: %s", r.Error)
	}
	if r.State != "connected" {
		t.Errorf("state = %q, want connected", r.State)
	}
	if r.ForwardPower != 301 || r.ReflectedPower != 12 || r.AbsorbedPower != 289 {
		t.Errorf("power = %d/%d/%d, want 301/12/289", r.ForwardPower, r.ReflectedPower, r.AbsorbedPower)
	}
	if r.Frequency != 40.65 || r.MinFrequency != 25 || r.MaxFrequency != 42 {
		t.Errorf("frequencies = %v/%v/%v", r.Frequency, r.MinFrequency, r.MaxFrequency)
	}
	if !r.EnableSwitch || r.InterlockOpen || r.Overtemperature {
		t.Errorf("status flags = %v/%v/%v, want true/false/false", r.EnableSwitch, r.InterlockOpen, r.Overtemperature)
	}
	if r.Telemetry == nil || r.Telemetry.BoardTemperature != 35 {
		t.Errorf("telemetry = %+v", r.Telemetry)
	}
	if r.FactoryInfo != "607 00171 022426 017180 00000 00000" {
		t.Errorf("factory info = %q", r.FactoryInfo)
	}
}

func TestPollerUnavailable(t *testing.T) {
	d := newTestDriver(t, vrgtest.NewDevice(), newTransportMetrics())
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	p := newPoller(d, time.Second, false)

	r := p.poll()
	if r.Available {
		t.Fatal("reading available while disconnected")
	}
	if r.ForwardPower != unavailableValue || r.Frequency != unavailableValue {
		t.Errorf("stale values published: %+v", r)
	}
	if r.Error == "" {
		t.Error("missing error")
	}
}

func TestPollerReconnect(t *testing.T) {
	d := newTestDriver(t, vrgtest.NewDevice(), newTransportMetrics())
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	p := newPoller(d, time.Second, true)

	if r := p.poll(); !r.Available {
		t.Fatalf("reading unavailable after reconnect: %s", r.Error)
	}
	if d.State() != vrg.StateConnected {
		t.Errorf("state = %v, want connected", d.State())
	}
}

func TestPollerRun(t *testing.T) {
	p := newPoller(newTestDriver(t, vrgtest.NewDevice(), newTransportMetrics()), time.Millisecond, false)
	b := newBoard()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.consume(p.Readings())
		close(done)
	}()
	go p.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !b.Latest().Available {
		if time.Now().After(deadline) {
			t.Fatal("no reading published")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("readings channel not closed after cancel")
	}
}
