package vrg

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by every operation attempted while the driver
// has no open transport. No I/O is performed.
var ErrNotConnected = errors.New("vrg: no instrument is connected")

// ValidationKind distinguishes out-of-range arguments from arguments of the
// wrong numeric kind.
type ValidationKind int

const (
	KindRange ValidationKind = iota
	KindType
)

func (k ValidationKind) String() string {
	switch k {
	case KindRange:
		return "range"
	case KindType:
		return "type"
	default:
		return "unknown"
	}
}

// ValidationError is returned before any byte is sent when an argument is
// outside the configured safety bounds or is not of the expected kind.
type ValidationError struct {
	Op    string
	Value string
	Min   float64
	Max   float64
	Kind  ValidationKind
}

func (e *ValidationError) Error() string {
	if e.Kind == KindType {
		return fmt.Sprintf("vrg: %s: invalid value %q", e.Op, e.Value)
	}
	return fmt.Sprintf("vrg: %s: %s is out of the valid range (%g-%g)", e.Op, e.Value, e.Min, e.Max)
}

// TransportError wraps an I/O failure during a command or query. The driver
// drops its connection when one occurs.
type TransportError struct {
	Op      string
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("vrg: %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError is returned when the transport cannot be opened.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vrg: failed to connect to %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError is returned when a response cannot be converted to the
// expected value or shape.
type ParseError struct {
	Command  string
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vrg: cannot parse response %q to %s: %v", e.Response, e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnsolicitedOutputError is returned when a retry cap is configured and the
// instrument kept answering with unsolicited output.
type UnsolicitedOutputError struct {
	Command  string
	Attempts int
}

func (e *UnsolicitedOutputError) Error() string {
	return fmt.Sprintf("vrg: %s: unsolicited output after %d attempts", e.Command, e.Attempts)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err came from the transport layer.
func IsTransport(err error) bool {
	var te *TransportError
	var ce *ConnectionError
	return errors.As(err, &te) || errors.As(err, &ce)
}
