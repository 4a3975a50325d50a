package main

import (
	"errors"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"

	"github.com/markuslindenberg/vrg_exporter/vrg"
)

func newMetric(metricName, docString string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", metricName), docString, labels, nil)
}

type intReading struct {
	desc *prometheus.Desc
	read func(*vrg.Driver) (int, error)
}

type freqReading struct {
	desc *prometheus.Desc
	read func(*vrg.Driver) (float64, error)
}

var (
	targetUpMetric = newMetric("up", "Was the last scrape of the VRG successful.")

	powerReadings = []intReading{
		{newMetric("forward_power_watts", "Measured forward power."), (*vrg.Driver).ForwardPower},
		{newMetric("reflected_power_watts", "Measured reflected power."), (*vrg.Driver).ReflectedPower},
		{newMetric("absorbed_power_watts", "Forward minus reflected power."), (*vrg.Driver).AbsorbedPower},
		{newMetric("power_setting_watts", "Configured output power."), (*vrg.Driver).PowerSetting},
	}

	frequencyReadings = []freqReading{
		{newMetric("frequency_setting_hertz", "Configured output frequency."), (*vrg.Driver).Frequency},
		{newMetric("frequency_min_hertz", "Minimum allowed output frequency."), (*vrg.Driver).MinFrequency},
		{newMetric("frequency_max_hertz", "Maximum allowed output frequency."), (*vrg.Driver).MaxFrequency},
	}

	interlockOpenMetric   = newMetric("interlock_open", "Safety interlock circuit is open.")
	overtemperatureMetric = newMetric("overtemperature", "Overtemperature protection is active.")
	enableSwitchMetric    = newMetric("enable_switch_on", "Front panel enable switch is up.")

	outputEnabledMetric   = newMetric("output_enabled", "RF output is enabled in software.")
	overcurrentMetric     = newMetric("overcurrent", "Overcurrent protection is active.")
	firmwareVersionMetric = newMetric("firmware_version", "Firmware version number.")
	railVoltageMetric     = newMetric("rail_voltage_volts", "Internal supply rail voltage.", "rail")
	mainVoltageMetric     = newMetric("main_voltage_volts", "Main power supply voltage.")
	mainCurrentMetric     = newMetric("main_current_amperes", "Main power supply current.")
	temperatureMetric     = newMetric("temperature_celsius", "Internal temperature.", "sensor")

	infoMetric           = newMetric("info", "Factory information of the VRG.", "serial_number")
	rebootsMetric        = newMetric("reboots_total", "Number of instrument reboots.")
	operatingHoursMetric = newMetric("operating_seconds_total", "Instrument operating time.")
	enabledHoursMetric   = newMetric("rf_enabled_seconds_total", "Time with RF output enabled.")
)

type Exporter struct {
	driver *vrg.Driver
	mutex  sync.Mutex

	totalScrapes  prometheus.Counter
	parseFailures *prometheus.CounterVec
	transport     *transportMetrics
}

func NewExporter(driver *vrg.Driver, transport *transportMetrics) *Exporter {
	return &Exporter{
		driver: driver,
		totalScrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_scrapes_total",
			Help:      "Current total VRG scrapes.",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exporter_parse_errors_total",
			Help:      "Number of responses that could not be parsed.",
		}, []string{"command"}),
		transport: transport,
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, r := range powerReadings {
		ch <- r.desc
	}
	for _, r := range frequencyReadings {
		ch <- r.desc
	}
	for _, d := range []*prometheus.Desc{
		interlockOpenMetric, overtemperatureMetric, enableSwitchMetric,
		outputEnabledMetric, overcurrentMetric, firmwareVersionMetric,
		railVoltageMetric, mainVoltageMetric, mainCurrentMetric, temperatureMetric,
		infoMetric, rebootsMetric, operatingHoursMetric, enabledHoursMetric,
	} {
		ch <- d
	}

	ch <- targetUpMetric
	ch <- e.totalScrapes.Desc()
	e.parseFailures.Describe(ch)
	e.transport.Describe(ch)
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	up := e.scrape(ch)
	ch <- prometheus.MustNewConstMetric(targetUpMetric, prometheus.GaugeValue, up)

	ch <- e.totalScrapes
	e.parseFailures.Collect(ch)
	e.transport.Collect(ch)
}

// failed records err and reports whether the scrape has to stop. Parse
// errors only skip the affected metric.
func (e *Exporter) failed(err error) bool {
	log.Errorln(err)
	var pe *vrg.ParseError
	if errors.As(err, &pe) {
		e.parseFailures.WithLabelValues(pe.Command).Inc()
		return false
	}
	return true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (e *Exporter) scrape(ch chan<- prometheus.Metric) (up float64) {
	e.totalScrapes.Inc()

	if !e.driver.Connected() {
		return 0
	}

	// power - RF, RR, RB, RO

	for _, r := range powerReadings {
		v, err := r.read(e.driver)
		if err != nil {
			if e.failed(err) {
				return 0
			}
			continue
		}
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, float64(v))
	}

	// frequencies - RQ, R1, R2

	for _, r := range frequencyReadings {
		mhz, err := r.read(e.driver)
		if err != nil {
			if e.failed(err) {
				return 0
			}
			continue
		}
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, math.Round(mhz*1e6))
	}

	// status byte - GS

	status, err := e.driver.StatusByte()
	if err == nil {
		ch <- prometheus.MustNewConstMetric(interlockOpenMetric, prometheus.GaugeValue, boolValue(status.InterlockOpen()))
		ch <- prometheus.MustNewConstMetric(overtemperatureMetric, prometheus.GaugeValue, boolValue(status.Overtemperature()))
		ch <- prometheus.MustNewConstMetric(enableSwitchMetric, prometheus.GaugeValue, boolValue(status.EnableSwitchOn()))
	} else if e.failed(err) {
		return 0
	}

	// telemetry - RT

	t, err := e.driver.Telemetry()
	if err == nil {
		ch <- prometheus.MustNewConstMetric(outputEnabledMetric, prometheus.GaugeValue, boolValue(t.OutputEnabled()))
		ch <- prometheus.MustNewConstMetric(overcurrentMetric, prometheus.GaugeValue, boolValue(t.Overcurrent()))
		ch <- prometheus.MustNewConstMetric(firmwareVersionMetric, prometheus.GaugeValue, t.FirmwareVersion)
		ch <- prometheus.MustNewConstMetric(railVoltageMetric, prometheus.GaugeValue, t.Rail5V, "5v")
		ch <- prometheus.MustNewConstMetric(railVoltageMetric, prometheus.GaugeValue, t.Rail12V, "12v")
		ch <- prometheus.MustNewConstMetric(mainVoltageMetric, prometheus.GaugeValue, t.MainVoltage)
		ch <- prometheus.MustNewConstMetric(mainCurrentMetric, prometheus.GaugeValue, t.MainCurrent)
		ch <- prometheus.MustNewConstMetric(temperatureMetric, prometheus.GaugeValue, t.AmpTemperature, "amplifier")
		ch <- prometheus.MustNewConstMetric(temperatureMetric, prometheus.GaugeValue, t.BoardTemperature, "board")
	} else if e.failed(err) {
		return 0
	}

	// factory info - RI

	raw, err := e.driver.FactoryInfo()
	if err != nil {
		if e.failed(err) {
			return 0
		}
		return 1
	}
	info, err := vrg.ParseFactoryInfo(raw)
	if err != nil {
		e.failed(err)
		return 1
	}
	ch <- prometheus.MustNewConstMetric(infoMetric, prometheus.GaugeValue, 1, info.SerialNumber)
	ch <- prometheus.MustNewConstMetric(rebootsMetric, prometheus.CounterValue, float64(info.Reboots))
	ch <- prometheus.MustNewConstMetric(operatingHoursMetric, prometheus.CounterValue, float64(info.OperatingHours)*3600)
	ch <- prometheus.MustNewConstMetric(enabledHoursMetric, prometheus.CounterValue, float64(info.EnabledHours)*3600)

	return 1
}
