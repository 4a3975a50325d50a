// Package vrgtest provides a recording fake transport and a simulated VRG
// for tests of the driver and its consumers.
package vrgtest

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by every operation on a closed Transport.
var ErrClosed = errors.New("vrgtest: transport closed")

// Event kinds recorded by Transport.
const (
	EventReset = "reset"
	EventWrite = "write"
	EventRead  = "read"
)

// Event is one call made on the Transport.
type Event struct {
	Kind string
	Data string
}

// Transport implements vrg.Transport. Every Write is answered by Handler and
// the reply queued for the next ReadUntil; an empty reply simulates a read
// timeout.
type Transport struct {
	Handler func(command string) string

	// Delay is slept inside every call to widen race windows.
	Delay time.Duration

	mu       sync.Mutex
	events   []Event
	pending  []string
	closed   bool
	writeErr error
	readErr  error
	resetErr error
}

// NewTransport returns a Transport answering with handler.
func NewTransport(handler func(command string) string) *Transport {
	return &Transport{Handler: handler}
}

func (t *Transport) pause() {
	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
}

func (t *Transport) Write(p []byte) (int, error) {
	t.pause()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}

	data := string(p)
	t.events = append(t.events, Event{Kind: EventWrite, Data: data})
	if t.Handler != nil {
		if reply := t.Handler(strings.TrimSuffix(data, "\r")); reply != "" {
			t.pending = append(t.pending, reply)
		}
	}
	return len(p), nil
}

func (t *Transport) ReadUntil(delim byte) ([]byte, error) {
	t.pause()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.readErr != nil {
		return nil, t.readErr
	}

	var line string
	if len(t.pending) > 0 {
		line = t.pending[0] + string(delim)
		t.pending = t.pending[1:]
	}
	t.events = append(t.events, Event{Kind: EventRead, Data: line})
	return []byte(line), nil
}

func (t *Transport) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.resetErr != nil {
		return t.resetErr
	}
	t.pending = nil
	t.events = append(t.events, Event{Kind: EventReset})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Inject queues unrequested lines, as if the instrument had sent them.
func (t *Transport) Inject(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, lines...)
}

// FailWrites makes subsequent writes fail with err.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// FailReads makes subsequent reads fail with err.
func (t *Transport) FailReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

// FailResets makes subsequent input resets fail with err.
func (t *Transport) FailResets(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetErr = err
}

// Events returns a copy of the recorded calls.
func (t *Transport) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Writes returns the written commands without their terminator.
func (t *Transport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, e := range t.events {
		if e.Kind == EventWrite {
			out = append(out, strings.TrimSuffix(e.Data, "\r"))
		}
	}
	return out
}

// Reset forgets recorded events.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}
