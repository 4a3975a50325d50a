package vrg

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/log"

	"github.com/markuslindenberg/vrg_exporter/transport"
)

// Wire mnemonics.
const (
	cmdPing          = "!"
	cmdEnableEcho    = "EE"
	cmdDisableEcho   = "DE"
	cmdEnableRF      = "ER"
	cmdDisableRF     = "DR"
	cmdForwardMode   = "PM0"
	cmdAbsorbedMode  = "PM1"
	cmdSetPower      = "SP"
	cmdSetFreq       = "SF"
	cmdSetMinFreq    = "S1"
	cmdSetMaxFreq    = "S2"
	cmdAutotune      = "TW"
	cmdNarrowTune    = "TT"
	cmdFwdPower      = "RF"
	cmdRflPower      = "RR"
	cmdAbsPower      = "RB"
	cmdPowerSetting  = "RO"
	cmdFreqSetting   = "RQ"
	cmdMinFreq       = "R1"
	cmdMaxFreq       = "R2"
	cmdFactoryInfo   = "RI"
	cmdStatusByte    = "GS"
	cmdTelemetry     = "RT"
	terminator       = '\r'
	unsolicitedToken = "target"
)

// Transport is the byte stream to one instrument. ReadUntil returns what was
// accumulated, possibly nothing, when the read timeout elapses.
type Transport interface {
	Write(p []byte) (int, error)
	ReadUntil(delim byte) ([]byte, error)
	ResetInputBuffer() error
	Close() error
}

// Dialer opens a new Transport. It is called on every Connect.
type Dialer func() (Transport, error)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds the factory limits of the instrument and the serial port to
// open on Connect. An empty Port means no port is configured.
type Config struct {
	Port     string
	BaudRate int
	Timeout  time.Duration

	// Frequency hard limits in MHz, set in firmware at the factory.
	MinFreq float64
	MaxFreq float64

	// Maximum power setting in watts.
	MaxPower int
}

// DefaultConfig matches the factory defaults of a standard unit.
var DefaultConfig = Config{
	BaudRate: 9600,
	Timeout:  time.Second,
	MinFreq:  25,
	MaxFreq:  42,
	MaxPower: 800,
}

// Validate checks that the limits are ordered and fit the wire format.
func (c Config) Validate() error {
	if math.IsNaN(c.MinFreq) || math.IsNaN(c.MaxFreq) || math.IsInf(c.MinFreq, 0) || math.IsInf(c.MaxFreq, 0) || c.MinFreq < 0 || c.MinFreq > c.MaxFreq {
		return fmt.Errorf("invalid frequency range %g-%g MHz", c.MinFreq, c.MaxFreq)
	}
	if MHzToKHz(c.MaxFreq) > maxFreqArg {
		return fmt.Errorf("maximum frequency %g MHz does not fit the %d digit kHz argument", c.MaxFreq, maxFreqDigits)
	}
	if c.MaxPower < 0 || c.MaxPower > maxPowerArg {
		return fmt.Errorf("invalid maximum power %d W (0-%d)", c.MaxPower, maxPowerArg)
	}
	return nil
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for command tracing and warnings.
func WithLogger(l log.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithTransport attaches an already open transport. The driver starts in
// the connected state and takes ownership of t.
func WithTransport(t Transport) Option {
	return func(d *Driver) {
		d.conn = t
		d.state = StateConnected
	}
}

// WithDialer replaces the default serial dialer built from Config.Port.
func WithDialer(dial Dialer) Option {
	return func(d *Driver) { d.dial = dial }
}

// WithMaxUnsolicitedRetries caps how many times a query is resent while the
// instrument answers with unsolicited output. Zero, the default, retries
// until a clean line arrives or the transport fails.
func WithMaxUnsolicitedRetries(n int) Option {
	return func(d *Driver) { d.maxRetries = n }
}

// WithUnsolicitedHandler registers fn to be called for every discarded
// unsolicited response. fn runs with the exchange lock held.
func WithUnsolicitedHandler(fn func(command, response string)) Option {
	return func(d *Driver) { d.onUnsolicited = fn }
}

// Driver controls one VRG.
type Driver struct {
	cfg           Config
	logger        log.Logger
	dial          Dialer
	maxRetries    int
	onUnsolicited func(command, response string)

	// mu is held for the full write and read sequence of one exchange.
	mu sync.Mutex

	connMu sync.Mutex
	conn   Transport
	state  State

	// windowMu guards the allowed frequency window.
	windowMu sync.Mutex
	minFreq  float64
	maxFreq  float64
}

// New validates cfg and returns a disconnected driver, unless WithTransport
// was given. Call Connect to open the configured port.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultConfig.BaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}

	d := &Driver{
		cfg:     cfg,
		logger:  log.Base(),
		minFreq: cfg.MinFreq,
		maxFreq: cfg.MaxFreq,
	}
	if cfg.Port != "" {
		d.dial = serialDialer(cfg)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func serialDialer(cfg Config) Dialer {
	return func() (Transport, error) {
		s, err := transport.OpenSerial(transport.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Port returns the configured port identifier.
func (d *Driver) Port() string { return d.cfg.Port }

// HardLimits returns the factory frequency limits in MHz.
func (d *Driver) HardLimits() (min, max float64) { return d.cfg.MinFreq, d.cfg.MaxFreq }

// MaxPower returns the maximum power setting in watts.
func (d *Driver) MaxPower() int { return d.cfg.MaxPower }

// AllowedWindow returns the cached allowed frequency window in MHz.
func (d *Driver) AllowedWindow() (min, max float64) {
	d.windowMu.Lock()
	defer d.windowMu.Unlock()
	return d.minFreq, d.maxFreq
}

// State returns the connection state.
func (d *Driver) State() State {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.state
}

// Connected reports whether a transport is open.
func (d *Driver) Connected() bool { return d.State() == StateConnected }

var errNoDialer = errors.New("no port configured")

// Connect opens a new transport. It is a no-op when already connected.
func (d *Driver) Connect() error {
	d.connMu.Lock()
	switch d.state {
	case StateConnected:
		d.connMu.Unlock()
		return nil
	case StateConnecting:
		d.connMu.Unlock()
		return &ConnectionError{Port: d.cfg.Port, Err: errors.New("connect already in progress")}
	}
	if d.dial == nil {
		d.connMu.Unlock()
		return &ConnectionError{Port: d.cfg.Port, Err: errNoDialer}
	}
	d.state = StateConnecting
	dial := d.dial
	d.connMu.Unlock()

	t, err := dial()

	d.connMu.Lock()
	defer d.connMu.Unlock()
	if err != nil {
		d.state = StateDisconnected
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return err
		}
		return &ConnectionError{Port: d.cfg.Port, Err: err}
	}
	d.conn = t
	d.state = StateConnected
	d.logger.With("port", d.cfg.Port).Infoln("Connected to VRG")
	return nil
}

// Disconnect closes the transport. It does not wait for an exchange in
// flight; that exchange fails with a TransportError on its next I/O.
func (d *Driver) Disconnect() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		d.state = StateDisconnected
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.state = StateDisconnected
	return err
}

// Close is Disconnect.
func (d *Driver) Close() error { return d.Disconnect() }

func (d *Driver) transport() (Transport, error) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	return d.conn, nil
}

// drop closes t after an I/O failure, unless it was already replaced.
func (d *Driver) drop(t Transport, cause error) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn != t {
		return
	}
	t.Close()
	d.conn = nil
	d.state = StateDisconnected
	d.logger.With("port", d.cfg.Port).Warnf("Disconnected from VRG: %v", cause)
}

func (d *Driver) write(t Transport, command string) error {
	if _, err := t.Write([]byte(command + string(terminator))); err != nil {
		d.drop(t, err)
		return &TransportError{Op: "write", Command: command, Err: err}
	}
	return nil
}

func (d *Driver) send(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transport()
	if err != nil {
		return err
	}
	if err := d.write(t, command); err != nil {
		return err
	}
	d.logger.Debugf("Command: %q", command)
	return nil
}

// query writes command and returns the first line that does not contain the
// unsolicited output token.
func (d *Driver) query(command string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transport()
	if err != nil {
		return "", err
	}

	for attempt := 1; ; attempt++ {
		if err := t.ResetInputBuffer(); err != nil {
			d.drop(t, err)
			return "", &TransportError{Op: "reset input", Command: command, Err: err}
		}
		if err := d.write(t, command); err != nil {
			return "", err
		}
		line, err := t.ReadUntil(terminator)
		if err != nil {
			d.drop(t, err)
			return "", &TransportError{Op: "read", Command: command, Err: err}
		}

		response := strings.TrimSpace(string(line))
		if !strings.Contains(response, unsolicitedToken) {
			d.logger.Debugf("Query: %q -> %q", command, response)
			return response, nil
		}

		d.logger.With("query", command).With("response", response).Warnln("Received unsolicited output")
		if d.onUnsolicited != nil {
			d.onUnsolicited(command, response)
		}
		if d.maxRetries > 0 && attempt > d.maxRetries {
			return "", &UnsolicitedOutputError{Command: command, Attempts: attempt}
		}
	}
}

// FlushInput discards unread input. It does nothing when disconnected.
func (d *Driver) FlushInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.transport()
	if err != nil {
		return nil
	}
	if err := t.ResetInputBuffer(); err != nil {
		d.drop(t, err)
		return &TransportError{Op: "reset input", Err: err}
	}
	return nil
}

// Ping returns the raw greeting, "WAZOO!" on a healthy unit.
func (d *Driver) Ping() (string, error) {
	return d.query(cmdPing)
}

func (d *Driver) EnableEcho() error  { return d.send(cmdEnableEcho) }
func (d *Driver) DisableEcho() error { return d.send(cmdDisableEcho) }

// EnableRF allows RF output. Both EnableRF and DisableRF are idempotent.
func (d *Driver) EnableRF() error  { return d.send(cmdEnableRF) }
func (d *Driver) DisableRF() error { return d.send(cmdDisableRF) }

// SetForwardMode selects forward power display (white background).
func (d *Driver) SetForwardMode() error { return d.send(cmdForwardMode) }

// SetAbsorbedMode selects absorbed power display (black background).
func (d *Driver) SetAbsorbedMode() error { return d.send(cmdAbsorbedMode) }

// Autotune starts a wide search for the frequency of minimum reflected
// power. The instrument gives no completion signal.
func (d *Driver) Autotune() error { return d.send(cmdAutotune) }

// NarrowAutotune is Autotune restricted to a small window.
func (d *Driver) NarrowAutotune() error { return d.send(cmdNarrowTune) }

// SetPower sets the output power in watts.
func (d *Driver) SetPower(watts int) error {
	if watts < 0 || watts > d.cfg.MaxPower {
		return &ValidationError{
			Op:    "set power",
			Value: strconv.Itoa(watts),
			Min:   0,
			Max:   float64(d.cfg.MaxPower),
			Kind:  KindRange,
		}
	}
	return d.send(formatArg(cmdSetPower, watts, maxPowerDigits))
}

func checkFreq(op string, mhz, min, max float64) error {
	value := strconv.FormatFloat(mhz, 'f', -1, 64)
	if math.IsNaN(mhz) || math.IsInf(mhz, 0) {
		return &ValidationError{Op: op, Value: value, Kind: KindType}
	}
	if mhz < min || mhz > max {
		return &ValidationError{Op: op, Value: value, Min: min, Max: max, Kind: KindRange}
	}
	return nil
}

// SetFrequency sets the output frequency in MHz. It must lie within the
// allowed window.
func (d *Driver) SetFrequency(mhz float64) error {
	min, max := d.AllowedWindow()
	if err := checkFreq("set frequency", mhz, min, max); err != nil {
		return err
	}
	return d.send(formatArg(cmdSetFreq, MHzToKHz(mhz), maxFreqDigits))
}

// SetMinFrequency narrows or widens the allowed window from below. The new
// bound must lie between the hard minimum and the current allowed maximum.
// When the frequency setting falls below the new bound it is raised to it.
func (d *Driver) SetMinFrequency(mhz float64) error {
	d.windowMu.Lock()
	if err := checkFreq("set minimum frequency", mhz, d.cfg.MinFreq, d.maxFreq); err != nil {
		d.windowMu.Unlock()
		return err
	}
	if err := d.send(formatArg(cmdSetMinFreq, MHzToKHz(mhz), maxFreqDigits)); err != nil {
		d.windowMu.Unlock()
		return err
	}
	d.minFreq = mhz
	d.windowMu.Unlock()

	freq, err := d.Frequency()
	if err != nil {
		return err
	}
	if freq < mhz {
		return d.SetFrequency(mhz)
	}
	return nil
}

// SetMaxFrequency is the upper counterpart of SetMinFrequency.
func (d *Driver) SetMaxFrequency(mhz float64) error {
	d.windowMu.Lock()
	if err := checkFreq("set maximum frequency", mhz, d.minFreq, d.cfg.MaxFreq); err != nil {
		d.windowMu.Unlock()
		return err
	}
	if err := d.send(formatArg(cmdSetMaxFreq, MHzToKHz(mhz), maxFreqDigits)); err != nil {
		d.windowMu.Unlock()
		return err
	}
	d.maxFreq = mhz
	d.windowMu.Unlock()

	freq, err := d.Frequency()
	if err != nil {
		return err
	}
	if freq > mhz {
		return d.SetFrequency(mhz)
	}
	return nil
}

func (d *Driver) readInt(command string) (int, error) {
	resp, err := d.query(command)
	if err != nil {
		return 0, err
	}
	return parseInt(command, resp)
}

func (d *Driver) readKHz(command string) (float64, error) {
	resp, err := d.query(command)
	if err != nil {
		return 0, err
	}
	khz, err := parseNumber(command, resp)
	if err != nil {
		return 0, err
	}
	return KHzToMHz(khz), nil
}

// ForwardPower reads the measured forward power in watts.
func (d *Driver) ForwardPower() (int, error) { return d.readInt(cmdFwdPower) }

// ReflectedPower reads the power reflected by the load in watts.
func (d *Driver) ReflectedPower() (int, error) { return d.readInt(cmdRflPower) }

// AbsorbedPower reads forward minus reflected power in watts.
func (d *Driver) AbsorbedPower() (int, error) { return d.readInt(cmdAbsPower) }

// PowerSetting reads the configured output power in watts.
func (d *Driver) PowerSetting() (int, error) { return d.readInt(cmdPowerSetting) }

// Frequency reads the frequency setting in MHz.
func (d *Driver) Frequency() (float64, error) { return d.readKHz(cmdFreqSetting) }

// MinFrequency reads the allowed minimum frequency in MHz and refreshes the
// cached window.
func (d *Driver) MinFrequency() (float64, error) {
	mhz, err := d.readKHz(cmdMinFreq)
	if err != nil {
		return 0, err
	}
	d.windowMu.Lock()
	defer d.windowMu.Unlock()
	if mhz < d.cfg.MinFreq || mhz > d.maxFreq {
		d.logger.Warnf("Instrument reports minimum frequency %g MHz outside %g-%g MHz, keeping %g MHz", mhz, d.cfg.MinFreq, d.maxFreq, d.minFreq)
		return mhz, nil
	}
	d.minFreq = mhz
	return mhz, nil
}

// MaxFrequency reads the allowed maximum frequency in MHz and refreshes the
// cached window.
func (d *Driver) MaxFrequency() (float64, error) {
	mhz, err := d.readKHz(cmdMaxFreq)
	if err != nil {
		return 0, err
	}
	d.windowMu.Lock()
	defer d.windowMu.Unlock()
	if mhz < d.minFreq || mhz > d.cfg.MaxFreq {
		d.logger.Warnf("Instrument reports maximum frequency %g MHz outside %g-%g MHz, keeping %g MHz", mhz, d.minFreq, d.cfg.MaxFreq, d.maxFreq)
		return mhz, nil
	}
	d.maxFreq = mhz
	return mhz, nil
}

// FactoryInfo reads the raw factory information string. See ParseFactoryInfo.
func (d *Driver) FactoryInfo() (string, error) {
	resp, err := d.query(cmdFactoryInfo)
	if err != nil {
		return "", err
	}
	return cleanResponse(cmdFactoryInfo, resp), nil
}

// StatusByte reads the GS bit field.
func (d *Driver) StatusByte() (StatusByte, error) {
	v, err := d.readInt(cmdStatusByte)
	return StatusByte(v), err
}

// Telemetry reads the RT status record.
func (d *Driver) Telemetry() (Telemetry, error) {
	resp, err := d.query(cmdTelemetry)
	if err != nil {
		return Telemetry{}, err
	}
	return parseTelemetry(cmdTelemetry, resp)
}

// IsEnabled reports whether the front panel enable switch is up.
func (d *Driver) IsEnabled() (bool, error) {
	s, err := d.StatusByte()
	return s.EnableSwitchOn(), err
}

// IsOvertemp reports an active overtemperature condition.
func (d *Driver) IsOvertemp() (bool, error) {
	s, err := d.StatusByte()
	return s.Overtemperature(), err
}

// IsInterlocked reports whether the interlock circuit is open.
func (d *Driver) IsInterlocked() (bool, error) {
	s, err := d.StatusByte()
	return s.InterlockOpen(), err
}

// IsOvercurrent reports an active overcurrent condition.
func (d *Driver) IsOvercurrent() (bool, error) {
	t, err := d.Telemetry()
	return t.Overcurrent(), err
}

// OutputEnabled reports whether RF output is enabled in software.
func (d *Driver) OutputEnabled() (bool, error) {
	t, err := d.Telemetry()
	return t.OutputEnabled(), err
}
