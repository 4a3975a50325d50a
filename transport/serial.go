package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds the settings used to open a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// allow tests to replace the port opener
var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Serial is an open serial port.
type Serial struct {
	port   serialPort
	name   string
	reader *lineReader

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens cfg.Port as 8N1 at cfg.BaudRate. Windows style COM port
// names are upper-cased.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port name is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	name := cfg.Port
	if strings.HasPrefix(strings.ToUpper(name), "COM") {
		name = strings.ToUpper(name)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return &Serial{
		port:   port,
		name:   name,
		reader: newLineReader(port, cfg.Timeout),
	}, nil
}

// Name returns the opened port name.
func (s *Serial) Name() string { return s.name }

func (s *Serial) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write to %s: %d of %d bytes", s.name, n, len(p))
	}
	return n, err
}

// ReadUntil reads until delim or the read timeout.
func (s *Serial) ReadUntil(delim byte) ([]byte, error) {
	return s.reader.readUntil(delim)
}

// ResetInputBuffer discards data received but not yet read.
func (s *Serial) ResetInputBuffer() error {
	s.reader.discard()
	return s.port.ResetInputBuffer()
}

// Close releases the port. Further calls return the first result.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

var listPorts = serial.GetPortsList

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
