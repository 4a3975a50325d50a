package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// drainWindow bounds how long ResetInputBuffer waits for stale bytes on a
// socket, which has no OS level input flush.
const drainWindow = 10 * time.Millisecond

// TCPConfig holds the settings used to dial a LAN or GPIB gateway.
type TCPConfig struct {
	Address string
	Timeout time.Duration
}

// TCP is a raw socket to an instrument gateway.
type TCP struct {
	conn    net.Conn
	timeout time.Duration
	reader  *lineReader

	closeOnce sync.Once
	closeErr  error
}

// OpenTCP dials cfg.Address.
func OpenTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.Address == "" {
		return nil, errors.New("gateway address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}
	return newTCP(conn, cfg.Timeout), nil
}

func newTCP(conn net.Conn, timeout time.Duration) *TCP {
	return &TCP{
		conn:    conn,
		timeout: timeout,
		reader:  newLineReader(conn, timeout),
	}
}

func (t *TCP) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.conn.Write(p)
}

// ReadUntil reads until delim or the read timeout.
func (t *TCP) ReadUntil(delim byte) ([]byte, error) {
	return t.reader.readUntil(delim)
}

// ResetInputBuffer reads and discards whatever arrives within drainWindow.
// A gateway that never goes quiet is drained for at most the read timeout.
func (t *TCP) ResetInputBuffer() error {
	t.reader.discard()
	buf := make([]byte, chunkSize)
	stop := time.Now().Add(t.timeout)
	for time.Now().Before(stop) {
		deadline := time.Now().Add(drainWindow)
		if deadline.After(stop) {
			deadline = stop
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := t.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// Close closes the socket. Further calls return the first result.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
