package vrg

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	maxPowerDigits = 4
	maxFreqDigits  = 5

	// Largest values that fit the fixed-width command arguments.
	maxPowerArg = 9999
	maxFreqArg  = 99999
)

// MHzToKHz converts a frequency to the integer kHz sent on the wire.
func MHzToKHz(mhz float64) int {
	return int(math.Round(mhz * 1000))
}

// KHzToMHz converts a wire frequency in kHz to MHz.
func KHzToMHz(khz float64) float64 {
	return khz / 1000
}

func formatArg(mnemonic string, value, width int) string {
	return fmt.Sprintf("%s%0*d", mnemonic, width, value)
}

// cleanResponse strips the echoed mnemonic and surrounding whitespace.
func cleanResponse(command, response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, command)
	return strings.TrimSpace(response)
}

func parseNumber(command, response string) (float64, error) {
	text := cleanResponse(command, response)
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, &ParseError{Command: command, Response: response, Err: err}
	}
	return v, nil
}

// parseInt accepts fractional text and truncates it toward zero.
func parseInt(command, response string) (int, error) {
	v, err := parseNumber(command, response)
	if err != nil {
		return 0, err
	}
	return int(math.Trunc(v)), nil
}

// ParsePower converts user-supplied text into a power setting. Non-integer
// input fails with a KindType validation error.
func ParsePower(s string) (int, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ValidationError{Op: "set power", Value: s, Kind: KindType}
	}
	return v, nil
}

// ParseFrequency converts user-supplied text into a frequency in MHz.
func ParseFrequency(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ValidationError{Op: "set frequency", Value: s, Kind: KindType}
	}
	return v, nil
}

// bits returns the low n bits of v, most significant first.
func bits(v, n int) []int {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = (v >> uint(i)) & 1
	}
	return out
}
