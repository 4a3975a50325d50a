package vrgtest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Spam is the unsolicited output the firmware emits occasionally.
const Spam = "target target target"

// Device simulates the instrument side of the protocol.
type Device struct {
	mu sync.Mutex

	Greeting    string
	Echo        bool
	RFEnabled   bool
	Absorbed    bool
	Power       int
	FreqKHz     int
	MinKHz      int
	MaxKHz      int
	TunedKHz    int
	Forward     float64
	Reflected   float64
	Status      int
	Telemetry   string
	FactoryInfo string

	// Unsolicited replaces the next n query replies with Spam.
	Unsolicited int
}

// NewDevice returns a unit with factory limits of 25-42 MHz.
func NewDevice() *Device {
	return &Device{
		Greeting:    "WAZOO!",
		Power:       300,
		FreqKHz:     40650,
		MinKHz:      25000,
		MaxKHz:      42000,
		TunedKHz:    39200,
		Forward:     301.6,
		Reflected:   12.2,
		Status:      0b100,
		Telemetry:   "1.07 0 5.02 12.1 48.3 7.25 41.5 35.0",
		FactoryInfo: "607 00171 022426 017180 00000 00000",
	}
}

// Transport returns a new Transport wired to d.
func (d *Device) Transport() *Transport {
	return NewTransport(d.Handle)
}

// Do runs fn with the device locked, for changing state between calls.
func (d *Device) Do(fn func(d *Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// Handle answers one command.
func (d *Device) Handle(command string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, query := d.handle(command)
	if !query {
		if d.Echo {
			return command
		}
		return ""
	}
	if d.Unsolicited > 0 {
		d.Unsolicited--
		return Spam
	}
	if d.Echo && command != "!" {
		return command + reply
	}
	return reply
}

func (d *Device) handle(command string) (reply string, query bool) {
	switch {
	case command == "!":
		return d.Greeting, true
	case command == "EE":
		d.Echo = true
	case command == "DE":
		d.Echo = false
	case command == "ER":
		d.RFEnabled = true
	case command == "DR":
		d.RFEnabled = false
	case command == "PM0":
		d.Absorbed = false
	case command == "PM1":
		d.Absorbed = true
	case command == "TW", command == "TT":
		d.FreqKHz = d.TunedKHz
	case strings.HasPrefix(command, "SP"):
		d.Power = atoi(command[2:])
	case strings.HasPrefix(command, "SF"):
		d.FreqKHz = atoi(command[2:])
	case strings.HasPrefix(command, "S1"):
		d.MinKHz = atoi(command[2:])
	case strings.HasPrefix(command, "S2"):
		d.MaxKHz = atoi(command[2:])
	case command == "RF":
		return fmt.Sprintf("%.1f", d.forward()), true
	case command == "RR":
		return fmt.Sprintf("%.1f", d.reflected()), true
	case command == "RB":
		return fmt.Sprintf("%.1f", d.forward()-d.reflected()), true
	case command == "RO":
		return strconv.Itoa(d.Power), true
	case command == "RQ":
		return fmt.Sprintf("%05d", d.FreqKHz), true
	case command == "R1":
		return fmt.Sprintf("%05d", d.MinKHz), true
	case command == "R2":
		return fmt.Sprintf("%05d", d.MaxKHz), true
	case command == "RI":
		return d.FactoryInfo, true
	case command == "GS":
		return strconv.Itoa(d.Status), true
	case command == "RT":
		return d.Telemetry, true
	default:
		return "?", true
	}
	return "", false
}

func (d *Device) forward() float64 {
	if !d.RFEnabled {
		return 0
	}
	return d.Forward
}

func (d *Device) reflected() float64 {
	if !d.RFEnabled {
		return 0
	}
	return d.Reflected
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
