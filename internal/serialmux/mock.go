package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort stands in for the control unit's tty. Reads drain data
// queued with AddReadData and return (0, nil) when nothing is queued, the
// way go.bug.st/serial behaves when its read timeout expires.
type TestableSerialPort struct {
	mu          sync.Mutex
	inbound     bytes.Buffer
	outbound    bytes.Buffer
	readErr     error
	writeErr    error
	closed      bool
	readTimeout time.Duration
}

var _ TimeoutSerialPorter = (*TestableSerialPort)(nil)

func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{}
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return 0, ErrPortClosed
	case p.readErr != nil:
		err := p.readErr
		p.readErr = nil
		return 0, err
	case p.inbound.Len() == 0:
		return 0, nil
	}
	return p.inbound.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		return 0, err
	}
	return p.outbound.Write(b)
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *TestableSerialPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
	return nil
}

// AddReadData queues bytes as if the control unit had sent them.
func (p *TestableSerialPort) AddReadData(b []byte) {
	p.mu.Lock()
	p.inbound.Write(b)
	p.mu.Unlock()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.outbound.Bytes())
}

func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *TestableSerialPort) GetReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

// SetReadError fails the next Read with err.
func (p *TestableSerialPort) SetReadError(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// SetWriteError fails the next Write with err.
func (p *TestableSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Reset reopens the port with empty buffers so a listener can Open it again.
func (p *TestableSerialPort) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound.Reset()
	p.outbound.Reset()
	p.readErr, p.writeErr = nil, nil
	p.closed = false
}

// MockOpener hands out Port (or Error) and remembers every Open.
type MockOpener struct {
	Port  SerialPorter
	Error error

	mu    sync.Mutex
	calls []MockOpenCall
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func NewMockOpener(port SerialPorter) *MockOpener {
	return &MockOpener{Port: port}
}

// Open has the SerialPortOpener signature.
func (m *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockOpenCall{Path: path, Options: opts})
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Port, nil
}

func (m *MockOpener) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the latest Open, or nil before the first one.
func (m *MockOpener) LastCall() *MockOpenCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	c := m.calls[len(m.calls)-1]
	return &c
}
