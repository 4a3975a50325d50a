// Package transport provides byte stream connections to a single
// instrument: a serial port and a raw TCP socket for LAN/GPIB gateways.
//
// Reads are line oriented. ReadUntil returns whatever arrived before the
// configured timeout, possibly nothing; a timeout is not an error.
package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

const chunkSize = 256

// deadliner is implemented by transports whose reads are bounded by an
// absolute deadline instead of a per-read timeout.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// readTimeouter is implemented by serial ports, whose reads block for a
// relative timeout.
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

type lineReader struct {
	r       io.Reader
	timeout time.Duration
	pending []byte
	buf     []byte
}

func newLineReader(r io.Reader, timeout time.Duration) *lineReader {
	return &lineReader{r: r, timeout: timeout, buf: make([]byte, chunkSize)}
}

func (lr *lineReader) readUntil(delim byte) ([]byte, error) {
	deadline := time.Now().Add(lr.timeout)
	var line []byte
	for {
		if i := bytes.IndexByte(lr.pending, delim); i >= 0 {
			line = append(line, lr.pending[:i+1]...)
			lr.pending = append(lr.pending[:0], lr.pending[i+1:]...)
			return line, nil
		}
		line = append(line, lr.pending...)
		lr.pending = lr.pending[:0]

		if !time.Now().Before(deadline) {
			return line, nil
		}
		switch r := lr.r.(type) {
		case deadliner:
			if err := r.SetReadDeadline(deadline); err != nil {
				return line, err
			}
		case readTimeouter:
			if err := r.SetReadTimeout(time.Until(deadline)); err != nil {
				return line, err
			}
		}

		n, err := lr.r.Read(lr.buf)
		lr.pending = append(lr.pending, lr.buf[:n]...)
		if err != nil {
			if isTimeout(err) {
				line = append(line, lr.pending...)
				lr.pending = lr.pending[:0]
				return line, nil
			}
			return line, err
		}
		if n == 0 {
			// Serial reads return nothing once their timeout elapses.
			return line, nil
		}
	}
}

func (lr *lineReader) discard() {
	lr.pending = lr.pending[:0]
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
