package main

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/common/log"

	"github.com/markuslindenberg/vrg_exporter/vrg"
)

// unavailableValue marks a reading that could not be taken.
const unavailableValue = -1

var errNoReading = errors.New("no reading yet")

// Reading is one poll of the instrument.
type Reading struct {
	Time            time.Time      `json:"time"`
	Available       bool           `json:"available"`
	State           string         `json:"state"`
	Error           string         `json:"error,omitempty"`
	ForwardPower    int            `json:"forward_power_w"`
	ReflectedPower  int            `json:"reflected_power_w"`
	AbsorbedPower   int            `json:"absorbed_power_w"`
	PowerSetting    int            `json:"power_setting_w"`
	Frequency       float64        `json:"frequency_mhz"`
	MinFrequency    float64        `json:"min_frequency_mhz"`
	MaxFrequency    float64        `json:"max_frequency_mhz"`
	EnableSwitch    bool           `json:"enable_switch_on"`
	InterlockOpen   bool           `json:"interlock_open"`
	Overtemperature bool           `json:"overtemperature"`
	OutputEnabled   bool           `json:"output_enabled"`
	Overcurrent     bool           `json:"overcurrent"`
	Telemetry       *vrg.Telemetry `json:"telemetry,omitempty"`
	FactoryInfo     string         `json:"factory_info,omitempty"`
}

func unavailable(state vrg.State, err error) Reading {
	return Reading{
		Time:           time.Now(),
		State:          state.String(),
		Error:          err.Error(),
		ForwardPower:   unavailableValue,
		ReflectedPower: unavailableValue,
		AbsorbedPower:  unavailableValue,
		PowerSetting:   unavailableValue,
		Frequency:      unavailableValue,
		MinFrequency:   unavailableValue,
		MaxFrequency:   unavailableValue,
	}
}

// board keeps the latest reading for display.
type board struct {
	mu     sync.RWMutex
	latest Reading
}

func newBoard() *board {
	return &board{latest: unavailable(vrg.StateDisconnected, errNoReading)}
}

func (b *board) Latest() Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

func (b *board) update(r Reading) {
	b.mu.Lock()
	prev := b.latest
	b.latest = r
	b.mu.Unlock()

	switch {
	case prev.Available && !r.Available:
		log.Warnln("VRG readings unavailable:", r.Error)
	case !prev.Available && r.Available:
		log.Infoln("VRG readings available")
	}
}

// consume updates the board until readings is closed.
func (b *board) consume(readings <-chan Reading) {
	for r := range readings {
		b.update(r)
	}
}
