package vrg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StatusByte is the bit field returned by GS.
//
//	bit 0: interlock open (unsatisfied)
//	bit 1: overtemperature
//	bit 2: enable switch on
type StatusByte int

const (
	statusInterlock    StatusByte = 1 << 0
	statusOvertemp     StatusByte = 1 << 1
	statusEnableSwitch StatusByte = 1 << 2
)

func (s StatusByte) InterlockOpen() bool   { return s&statusInterlock != 0 }
func (s StatusByte) Overtemperature() bool { return s&statusOvertemp != 0 }
func (s StatusByte) EnableSwitchOn() bool  { return s&statusEnableSwitch != 0 }

// Bits returns the low four bits, most significant first.
func (s StatusByte) Bits() []int { return bits(int(s), 4) }

func (s StatusByte) String() string {
	return fmt.Sprintf("enable=%t overtemp=%t interlock_open=%t", s.EnableSwitchOn(), s.Overtemperature(), s.InterlockOpen())
}

// Telemetry is the numeric snapshot returned by RT. StatusField is not the
// same bit field as StatusByte.
type Telemetry struct {
	FirmwareVersion  float64 `json:"firmware_version"`
	StatusField      int     `json:"status_field"`
	Rail5V           float64 `json:"rail_5v"`
	Rail12V          float64 `json:"rail_12v"`
	MainVoltage      float64 `json:"main_voltage"`
	MainCurrent      float64 `json:"main_current"`
	AmpTemperature   float64 `json:"amp_temperature"`
	BoardTemperature float64 `json:"board_temperature"`
}

const telemetryFields = 8

// OutputEnabled reports the software RF output enable bit (bit 0).
func (t Telemetry) OutputEnabled() bool { return t.StatusField&(1<<0) != 0 }

// Overcurrent reports the overcurrent protection bit (bit 3).
func (t Telemetry) Overcurrent() bool { return t.StatusField&(1<<3) != 0 }

// StatusBits returns the low four bits of StatusField, most significant first.
func (t Telemetry) StatusBits() []int { return bits(t.StatusField, 4) }

func parseTelemetry(command, response string) (Telemetry, error) {
	fields := strings.Fields(cleanResponse(command, response))
	if len(fields) != telemetryFields {
		return Telemetry{}, &ParseError{
			Command:  command,
			Response: response,
			Err:      fmt.Errorf("expected %d fields, got %d", telemetryFields, len(fields)),
		}
	}

	values := make([]float64, telemetryFields)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Telemetry{}, &ParseError{Command: command, Response: response, Err: err}
		}
		values[i] = v
	}

	return Telemetry{
		FirmwareVersion:  values[0],
		StatusField:      int(values[1]),
		Rail5V:           values[2],
		Rail12V:          values[3],
		MainVoltage:      values[4],
		MainCurrent:      values[5],
		AmpTemperature:   values[6],
		BoardTemperature: values[7],
	}, nil
}

// FactoryInfo is the decoded RI string, e.g. "607 00171 022426 017180 00000 00000".
type FactoryInfo struct {
	SerialNumber   string
	Reboots        int
	OperatingHours int
	EnabledHours   int
	Reserved       []string
}

var errShortFactoryInfo = errors.New("expected at least 4 fields")

// ParseFactoryInfo splits the raw factory info string.
func ParseFactoryInfo(raw string) (FactoryInfo, error) {
	fields := strings.Fields(raw)
	if len(fields) < 4 {
		return FactoryInfo{}, &ParseError{Command: cmdFactoryInfo, Response: raw, Err: errShortFactoryInfo}
	}

	var counts [3]int
	for i := range counts {
		v, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return FactoryInfo{}, &ParseError{Command: cmdFactoryInfo, Response: raw, Err: err}
		}
		counts[i] = v
	}

	return FactoryInfo{
		SerialNumber:   fields[0],
		Reboots:        counts[0],
		OperatingHours: counts[1],
		EnabledHours:   counts[2],
		Reserved:       fields[4:],
	}, nil
}
