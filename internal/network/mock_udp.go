package network

import (
	"net"
	"sync"
	"time"
)

// MockUDPSocket is an in-memory UDPSocket. Datagrams queued with Deliver
// come out of ReadFromUDP in order; with nothing queued a read waits for
// its deadline and fails with a timeout, like an idle *net.UDPConn.
type MockUDPSocket struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	deadline time.Time
	rcvBuf   int
	reads    int
}

// mockPeer is the source address reported for delivered datagrams.
var mockPeer = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}

func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		queue: make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
}

// Deliver queues one datagram.
func (m *MockUDPSocket) Deliver(data []byte) {
	m.queue <- data
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	m.reads++
	deadline := m.deadline
	m.mu.Unlock()

	if m.Closed() {
		return 0, nil, net.ErrClosed
	}

	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-m.done:
		return 0, nil, net.ErrClosed
	case data := <-m.queue:
		return copy(b, data), mockPeer, nil
	case <-expired:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutErr{}}
	}
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.rcvBuf = bytes
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8888}
}

// Close unblocks pending reads. It is safe to call more than once.
func (m *MockUDPSocket) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MockUDPSocket) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// ReadBufferSize is the last value passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rcvBuf
}

// ReadCalls counts ReadFromUDP calls, including ones that timed out.
func (m *MockUDPSocket) ReadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// MockUDPSocketFactory returns Socket, or Error when set.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error

	mu          sync.Mutex
	ListenCalls []MockListenCall
}

// MockListenCall is one recorded ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

func (f *MockUDPSocketFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ListenCalls)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
