package main

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v2"

	"github.com/markuslindenberg/vrg_exporter/transport"
	"github.com/markuslindenberg/vrg_exporter/vrg"
)

// noDevice disables connecting, as in the device entry of the generator section.
const noDevice = "None"

// Config is the exporter configuration. Flags fill it first; a config file,
// when given, overrides whatever it sets.
type Config struct {
	Generator GeneratorConfig `yaml:"generator"`
	Settings  SettingsConfig  `yaml:"settings"`
	Poll      PollConfig      `yaml:"poll"`
}

// GeneratorConfig selects the instrument connection.
type GeneratorConfig struct {
	Device    string        `yaml:"device"`
	Port      string        `yaml:"port"`
	Transport string        `yaml:"transport"`
	Baud      int           `yaml:"baud"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SettingsConfig holds the factory limits of the instrument.
type SettingsConfig struct {
	MinFreq               float64 `yaml:"min_freq"`
	MaxFreq               float64 `yaml:"max_freq"`
	MaxPower              int     `yaml:"max_power"`
	MaxUnsolicitedRetries int     `yaml:"max_unsolicited_retries"`
}

// PollConfig controls the background poller.
type PollConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Reconnect bool          `yaml:"reconnect"`
}

func addFlags(a *kingpin.Application, cfg *Config) (configFile *string) {
	configFile = a.Flag("config.file", "Optional YAML configuration file.").Default("").OverrideDefaultFromEnvar("VRG_EXPORTER_CONFIG").String()

	a.Flag("vrg.device", "Instrument name; None disables connecting.").Default("VRG").OverrideDefaultFromEnvar("VRG_EXPORTER_DEVICE").StringVar(&cfg.Generator.Device)
	a.Flag("vrg.port", "Serial port, or host:port of a LAN/GPIB gateway.").Default("").OverrideDefaultFromEnvar("VRG_EXPORTER_PORT").StringVar(&cfg.Generator.Port)
	a.Flag("vrg.transport", "Transport to the instrument.").Default("serial").OverrideDefaultFromEnvar("VRG_EXPORTER_TRANSPORT").EnumVar(&cfg.Generator.Transport, "serial", "tcp")
	a.Flag("vrg.baud", "Serial baud rate.").Default("9600").IntVar(&cfg.Generator.Baud)
	a.Flag("vrg.timeout", "Read and write timeout.").Default("1s").OverrideDefaultFromEnvar("VRG_EXPORTER_TIMEOUT").DurationVar(&cfg.Generator.Timeout)
	a.Flag("vrg.min-freq", "Factory minimum frequency in MHz.").Default("25").Float64Var(&cfg.Settings.MinFreq)
	a.Flag("vrg.max-freq", "Factory maximum frequency in MHz.").Default("42").Float64Var(&cfg.Settings.MaxFreq)
	a.Flag("vrg.max-power", "Maximum power setting in W.").Default("800").IntVar(&cfg.Settings.MaxPower)
	a.Flag("vrg.max-unsolicited-retries", "Resends allowed while the instrument answers with unsolicited output; 0 retries forever.").Default("0").IntVar(&cfg.Settings.MaxUnsolicitedRetries)
	a.Flag("poll.interval", "Interval between background readings.").Default("1s").OverrideDefaultFromEnvar("VRG_EXPORTER_POLL_INTERVAL").DurationVar(&cfg.Poll.Interval)
	a.Flag("poll.reconnect", "Reconnect from the poller when the instrument is disconnected.").Default("true").BoolVar(&cfg.Poll.Reconnect)

	return configFile
}

// LoadFile merges the YAML file at filename into c.
func (c *Config) LoadFile(filename string) error {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	switch c.Generator.Transport {
	case "serial", "tcp":
	default:
		return fmt.Errorf("invalid transport %q, must be serial or tcp", c.Generator.Transport)
	}
	if c.Generator.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Generator.Baud)
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %v", c.Generator.Timeout)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("invalid poll interval %v", c.Poll.Interval)
	}
	if c.Settings.MaxUnsolicitedRetries < 0 {
		return fmt.Errorf("invalid unsolicited retry limit %d", c.Settings.MaxUnsolicitedRetries)
	}
	return c.DriverConfig().Validate()
}

// Enabled reports whether an instrument is configured.
func (c *Config) Enabled() bool {
	return !strings.EqualFold(c.Generator.Device, noDevice) && c.Generator.Port != ""
}

// DriverConfig returns the limits and port for vrg.New.
func (c *Config) DriverConfig() vrg.Config {
	cfg := vrg.Config{
		BaudRate: c.Generator.Baud,
		Timeout:  c.Generator.Timeout,
		MinFreq:  c.Settings.MinFreq,
		MaxFreq:  c.Settings.MaxFreq,
		MaxPower: c.Settings.MaxPower,
	}
	if c.Enabled() {
		cfg.Port = c.Generator.Port
	}
	return cfg
}

// Dialer returns the opener for the configured transport, or nil when no
// instrument is configured.
func (c *Config) Dialer() vrg.Dialer {
	if !c.Enabled() {
		return nil
	}
	g := c.Generator
	if g.Transport == "tcp" {
		return func() (vrg.Transport, error) {
			t, err := transport.OpenTCP(transport.TCPConfig{Address: g.Port, Timeout: g.Timeout})
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
	return func() (vrg.Transport, error) {
		s, err := transport.OpenSerial(transport.SerialConfig{Port: g.Port, BaudRate: g.Baud, Timeout: g.Timeout})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
