package vrg

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseFactoryInfo(t *testing.T) {
	got, err := ParseFactoryInfo("607 00171 022426 017180 00000 00000")
	if err != nil {
		t.Fatal(err)
	}
	want := FactoryInfo{
		SerialNumber:   "607",
		Reboots:        171,
		OperatingHours: 22426,
		EnabledHours:   17180,
		Reserved:       []string{"00000", "00000"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	for _, raw := range []string{"", "607 00171", "607 x 022426 017180"} {
		var pe *ParseError
		if _, err := ParseFactoryInfo(raw); !errors.As(err, &pe) {
			t.Errorf("ParseFactoryInfo(%q) err = %v, want *ParseError", raw, err)
		}
	}
}

func TestStatusBits(t *testing.T) {
	tests := []struct {
		v    int
		want []int
	}{
		{0, []int{0, 0, 0, 0}},
		{4, []int{0, 1, 0, 0}},
		{7, []int{0, 1, 1, 1}},
		{9, []int{1, 0, 0, 1}},
	}
	for _, tt := range tests {
		if got := StatusByte(tt.v).Bits(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("StatusByte(%d).Bits() = %v, want %v", tt.v, got, tt.want)
		}
		if got := (Telemetry{StatusField: tt.v}).StatusBits(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("StatusBits(%d) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestEnableOnlyStatus(t *testing.T) {
	s := StatusByte(0b100)
	if !s.EnableSwitchOn() || s.Overtemperature() || s.InterlockOpen() {
		t.Errorf("0b100 decoded as %v", s)
	}
}

func TestUnits(t *testing.T) {
	tests := []struct {
		mhz float64
		khz int
	}{
		{25, 25000},
		{40.65, 40650},
		{39.2, 39200},
		{0.001, 1},
		{41.9996, 42000},
	}
	for _, tt := range tests {
		if got := MHzToKHz(tt.mhz); got != tt.khz {
			t.Errorf("MHzToKHz(%g) = %d, want %d", tt.mhz, got, tt.khz)
		}
	}
	if got := formatArg("SF", 1234, 5); got != "SF01234" {
		t.Errorf("formatArg = %q", got)
	}
	if got := cleanResponse("RQ", " RQ40650 \r"); got != "40650" {
		t.Errorf("cleanResponse = %q", got)
	}
	if got := cleanResponse("RI", "607 00171"); got != "607 00171" {
		t.Errorf("cleanResponse = %q", got)
	}
}
