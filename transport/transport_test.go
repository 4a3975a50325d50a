package transport

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"go.bug.st/serial"
)

// chunkReader returns one chunk per Read and then reports a serial timeout
// (0, nil).
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestLineReader(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		want   []string
	}{
		{
			name:   "single line",
			chunks: [][]byte{[]byte("RQ40650\r")},
			want:   []string{"RQ40650\r", ""},
		},
		{
			name:   "split across reads",
			chunks: [][]byte{[]byte("WAZ"), []byte("OO!\r")},
			want:   []string{"WAZOO!\r", ""},
		},
		{
			name:   "two lines in one read",
			chunks: [][]byte{[]byte("100\r200\r")},
			want:   []string{"100\r", "200\r", ""},
		},
		{
			name:   "timeout returns partial line",
			chunks: [][]byte{[]byte("12")},
			want:   []string{"12"},
		},
		{
			name: "timeout with nothing read",
			want: []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := newLineReader(&chunkReader{chunks: tt.chunks}, time.Second)
			for i, want := range tt.want {
				got, err := lr.readUntil('\r')
				if err != nil {
					t.Fatalf("read %d: unexpected error: %v", i, err)
				}
				if string(got) != want {
					t.Errorf("read %d = %q, want %q", i, got, want)
				}
			}
		})
	}
}

func TestLineReaderError(t *testing.T) {
	boom := errors.New("device unplugged")
	lr := newLineReader(&chunkReader{chunks: [][]byte{[]byte("1")}, err: boom}, time.Second)
	got, err := lr.readUntil('\r')
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if string(got) != "1" {
		t.Errorf("got %q, want partial %q", got, "1")
	}
}

func TestLineReaderDiscard(t *testing.T) {
	lr := newLineReader(&chunkReader{chunks: [][]byte{[]byte("stale\rfresh")}}, time.Second)
	if _, err := lr.readUntil('\r'); err != nil {
		t.Fatal(err)
	}
	lr.discard()
	got, err := lr.readUntil('\r')
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %q after discard, want nothing", got)
	}
}

// slowPort delivers one chunk per Read after delay and records the read
// timeouts it was given.
type slowPort struct {
	chunkReader
	delay    time.Duration
	timeouts []time.Duration
}

func (p *slowPort) Read(b []byte) (int, error) {
	time.Sleep(p.delay)
	return p.chunkReader.Read(b)
}

func (p *slowPort) SetReadTimeout(t time.Duration) error {
	p.timeouts = append(p.timeouts, t)
	return nil
}

func TestLineReaderShrinksSerialTimeout(t *testing.T) {
	timeout := 200 * time.Millisecond
	port := &slowPort{
		chunkReader: chunkReader{chunks: [][]byte{[]byte("WAZ"), []byte("OO!\r")}},
		delay:       50 * time.Millisecond,
	}
	lr := newLineReader(port, timeout)

	got, err := lr.readUntil('\r')
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "WAZOO!\r" {
		t.Errorf("got %q", got)
	}
	if len(port.timeouts) != 2 {
		t.Fatalf("read timeout set %d times, want 2", len(port.timeouts))
	}
	if first, second := port.timeouts[0], port.timeouts[1]; first > timeout || second > timeout-port.delay {
		t.Errorf("read timeouts = %v, %v; second read must only get what is left of %v", first, second, timeout)
	}
}

type fakeSerialPort struct {
	chunkReader
	written  []byte
	resets   int
	timeout  time.Duration
	closed   int
	writeErr error
}

func (p *fakeSerialPort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakeSerialPort) ResetInputBuffer() error {
	p.resets++
	return nil
}

func (p *fakeSerialPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakeSerialPort) Close() error {
	p.closed++
	return nil
}

func withFakePort(t *testing.T, port *fakeSerialPort) *string {
	t.Helper()
	var opened string
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (serialPort, error) {
		opened = name
		if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
			t.Errorf("unexpected mode %+v", mode)
		}
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
	return &opened
}

func TestOpenSerial(t *testing.T) {
	tests := []struct {
		port string
		want string
	}{
		{"com3", "COM3"},
		{"COM12", "COM12"},
		{"/dev/ttyUSB0", "/dev/ttyUSB0"},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			fake := &fakeSerialPort{}
			opened := withFakePort(t, fake)

			s, err := OpenSerial(SerialConfig{Port: tt.port})
			if err != nil {
				t.Fatal(err)
			}
			if *opened != tt.want || s.Name() != tt.want {
				t.Errorf("opened %q, want %q", *opened, tt.want)
			}
			if fake.timeout != time.Second {
				t.Errorf("read timeout = %v, want 1s", fake.timeout)
			}
		})
	}
}

func TestPorts(t *testing.T) {
	orig := listPorts
	t.Cleanup(func() { listPorts = orig })

	listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB0", "COM3"}, nil }
	ports, err := Ports()
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 2 || ports[0] != "/dev/ttyUSB0" || ports[1] != "COM3" {
		t.Errorf("ports = %q", ports)
	}

	boom := errors.New("no sysfs")
	listPorts = func() ([]string, error) { return nil, boom }
	if _, err := Ports(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestOpenSerialRequiresPort(t *testing.T) {
	if _, err := OpenSerial(SerialConfig{}); err == nil {
		t.Fatal("expected error for empty port name")
	}
}

func TestSerialExchange(t *testing.T) {
	fake := &fakeSerialPort{chunkReader: chunkReader{chunks: [][]byte{[]byte("RO300\r")}}}
	withFakePort(t, fake)

	s, err := OpenSerial(SerialConfig{Port: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ResetInputBuffer(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("RO\r")); err != nil {
		t.Fatal(err)
	}
	line, err := s.ReadUntil('\r')
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "RO300\r" {
		t.Errorf("line = %q", line)
	}
	if string(fake.written) != "RO\r" || fake.resets != 1 {
		t.Errorf("written %q, resets %d", fake.written, fake.resets)
	}

	s.Close()
	s.Close()
	if fake.closed != 1 {
		t.Errorf("port closed %d times, want 1", fake.closed)
	}
}

// gateway accepts one connection and answers every line with reply.
func gateway(t *testing.T, reply func(string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			if out := reply(line[:len(line)-1]); out != "" {
				conn.Write([]byte(out))
			}
		}
	}()
	return ln.Addr().String()
}

func TestTCPExchange(t *testing.T) {
	addr := gateway(t, func(cmd string) string {
		switch cmd {
		case "!":
			return "WAZOO!\r"
		case "RQ":
			return "RQ40650\r"
		}
		return ""
	})

	tcp, err := OpenTCP(TCPConfig{Address: addr, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer tcp.Close()

	for _, tc := range []struct{ cmd, want string }{
		{"!", "WAZOO!\r"},
		{"RQ", "RQ40650\r"},
	} {
		if err := tcp.ResetInputBuffer(); err != nil {
			t.Fatal(err)
		}
		if _, err := tcp.Write([]byte(tc.cmd + "\r")); err != nil {
			t.Fatal(err)
		}
		got, err := tcp.ReadUntil('\r')
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tc.want {
			t.Errorf("%s: got %q, want %q", tc.cmd, got, tc.want)
		}
	}
}

func TestTCPReadTimeoutIsNotAnError(t *testing.T) {
	addr := gateway(t, func(string) string { return "" })

	tcp, err := OpenTCP(TCPConfig{Address: addr, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer tcp.Close()

	if _, err := tcp.Write([]byte("EE\r")); err != nil {
		t.Fatal(err)
	}
	got, err := tcp.ReadUntil('\r')
	if err != nil {
		t.Fatalf("timeout reported as error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %q, want nothing", got)
	}
}

func TestTCPResetDiscardsStaleInput(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tcp := newTCP(client, 200*time.Millisecond)
	defer tcp.Close()

	go server.Write([]byte("target target\r"))
	time.Sleep(20 * time.Millisecond)
	if err := tcp.ResetInputBuffer(); err != nil {
		t.Fatal(err)
	}

	go server.Write([]byte("123\r"))
	got, err := tcp.ReadUntil('\r')
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "123\r" {
		t.Errorf("got %q, want %q", got, "123\r")
	}
}

func TestTCPResetIsBoundedByTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	timeout := 100 * time.Millisecond
	tcp := newTCP(client, timeout)

	go func() {
		for {
			if _, err := server.Write([]byte("target ")); err != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- tcp.ResetInputBuffer() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed < timeout {
			t.Errorf("reset returned after %v, want at least %v of draining", elapsed, timeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reset never returned while the gateway kept sending")
	}
	tcp.Close()
}

func TestOpenTCPFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := OpenTCP(TCPConfig{Address: addr, Timeout: 100 * time.Millisecond}); err == nil {
		t.Fatal("expected dial error")
	}
}
