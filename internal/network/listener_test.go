package network

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingHandler collects payloads delivered by a listener.
type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) handle(p []byte) {
	h.mu.Lock()
	h.payloads = append(h.payloads, string(p))
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.payloads))
	copy(out, h.payloads)
	return out
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(h.got()) < n {
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads, have %v", n, h.got())
		}
	}
}

// MockFullPacketStats implements PacketStatsInterface for testing
type MockFullPacketStats struct {
	mu         sync.Mutex
	packets    int
	dropped    int
	sent       int
	sendErrors int
	logCalls   int
}

func (m *MockFullPacketStats) AddPacket(int) { m.mu.Lock(); m.packets++; m.mu.Unlock() }
func (m *MockFullPacketStats) AddDropped()   { m.mu.Lock(); m.dropped++; m.mu.Unlock() }
func (m *MockFullPacketStats) AddSent(int)   { m.mu.Lock(); m.sent++; m.mu.Unlock() }
func (m *MockFullPacketStats) AddSendError() { m.mu.Lock(); m.sendErrors++; m.mu.Unlock() }
func (m *MockFullPacketStats) LogStats()     { m.mu.Lock(); m.logCalls++; m.mu.Unlock() }

func (m *MockFullPacketStats) counts() (packets, sent, sendErrors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.packets, m.sent, m.sendErrors
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{})
	defer l.Close()

	if l.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", l.pollInterval, DefaultPollInterval)
	}
	if l.logInterval != time.Minute {
		t.Errorf("logInterval = %v, want 1m", l.logInterval)
	}
	if l.stats == nil {
		t.Error("Expected default noop stats, got nil")
	}
	if l.IsListening() {
		t.Error("new listener should not be listening")
	}
	if l.LocalAddr() != nil {
		t.Error("LocalAddr should be nil before StartListening")
	}
	if !l.CanSend() {
		t.Error("default listener should own a send socket")
	}
}

func TestUDPListener_DeliversDatagrams(t *testing.T) {
	h := newRecordingHandler()
	stats := &MockFullPacketStats{}
	l := NewUDPListener(UDPListenerConfig{
		Host:         "127.0.0.1",
		PollInterval: 20 * time.Millisecond,
		Stats:        stats,
		Handler:      h.handle,
	})
	defer l.Close()

	if err := l.StartListening(0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"45.0,0.37", "garbage", "90,1"} {
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	h.waitFor(t, 3)
	got := h.got()
	want := []string{"45.0,0.37", "garbage", "90,1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if packets, _, _ := stats.counts(); packets != 3 {
		t.Errorf("stats packets = %d, want 3", packets)
	}
}

func TestUDPListener_StartIsIdempotent(t *testing.T) {
	sock := NewMockUDPSocket()
	factory := NewMockUDPSocketFactory(sock)
	l := NewUDPListener(UDPListenerConfig{
		SocketFactory: factory,
		PollInterval:  10 * time.Millisecond,
		RcvBuf:        4096,
	})
	defer l.Close()

	if err := l.StartListening(8888); err != nil {
		t.Fatalf("first StartListening: %v", err)
	}
	if err := l.StartListening(8888); err != nil {
		t.Fatalf("second StartListening: %v", err)
	}
	if factory.Calls() != 1 {
		t.Errorf("ListenUDP called %d times, want 1", factory.Calls())
	}
	if got := factory.ListenCalls[0].Addr.Port; got != 8888 {
		t.Errorf("bound port = %d, want 8888", got)
	}
	if sock.ReadBufferSize() != 4096 {
		t.Errorf("read buffer = %d, want 4096", sock.ReadBufferSize())
	}
}

func TestUDPListener_BindFailureLeavesListenerStopped(t *testing.T) {
	factory := NewMockUDPSocketFactory(nil)
	factory.Error = errors.New("address already in use")
	l := NewUDPListener(UDPListenerConfig{SocketFactory: factory})
	defer l.Close()

	err := l.StartListening(8888)
	if err == nil {
		t.Fatal("expected bind error")
	}
	if l.IsListening() {
		t.Error("listener should not be listening after bind failure")
	}
	// stopping an inert listener is harmless
	l.StopListening()
}

func TestUDPListener_RealBindConflict(t *testing.T) {
	first := NewUDPListener(UDPListenerConfig{Host: "127.0.0.1"})
	defer first.Close()
	if err := first.StartListening(0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	port := first.LocalAddr().(*net.UDPAddr).Port

	second := NewUDPListener(UDPListenerConfig{Host: "127.0.0.1"})
	defer second.Close()
	if err := second.StartListening(port); err == nil {
		t.Fatal("expected address-in-use error")
	}
	if second.IsListening() {
		t.Error("second listener must stay inert")
	}
}

func TestUDPListener_StopJoinsReceiveLoop(t *testing.T) {
	sock := NewMockUDPSocket()
	var inHandler atomic.Int32
	var calls atomic.Int32
	release := make(chan struct{})

	l := NewUDPListener(UDPListenerConfig{
		SocketFactory: NewMockUDPSocketFactory(sock),
		PollInterval:  10 * time.Millisecond,
		Handler: func([]byte) {
			inHandler.Add(1)
			<-release
			inHandler.Add(-1)
			calls.Add(1)
		},
	})
	defer l.Close()

	if err := l.StartListening(8888); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	sock.Deliver([]byte("1,0.5"))

	// wait until the handler is running, then stop concurrently
	for inHandler.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	stopped := make(chan struct{})
	go func() {
		l.StopListening()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopListening returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopListening did not return")
	}

	if inHandler.Load() != 0 {
		t.Error("handler still running after StopListening returned")
	}
	if !sock.Closed() {
		t.Error("socket should be closed after StopListening")
	}

	// nothing is delivered after stop
	sock.Deliver([]byte("2,0.5"))
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}

	// second stop is a no-op
	l.StopListening()
}

func TestUDPListener_HandlerCanStopAsynchronously(t *testing.T) {
	sock := NewMockUDPSocket()
	var calls atomic.Int32
	stopped := make(chan struct{})

	var l *UDPListener
	l = NewUDPListener(UDPListenerConfig{
		SocketFactory: NewMockUDPSocketFactory(sock),
		PollInterval:  10 * time.Millisecond,
		Handler: func(payload []byte) {
			calls.Add(1)
			if string(payload) == "shutdown" {
				go func() {
					l.StopListening()
					close(stopped)
				}()
			}
		},
	})
	defer l.Close()

	if err := l.StartListening(8888); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	sock.Deliver([]byte("shutdown"))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopListening started from the handler did not return")
	}
	if l.IsListening() {
		t.Error("still listening after stop")
	}

	sock.Deliver([]byte("1,0.5"))
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestUDPListener_StopIsPromptOnIdleSocket(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Host: "127.0.0.1", PollInterval: 200 * time.Millisecond})
	defer l.Close()
	if err := l.StartListening(0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	l.StopListening()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopListening took %v on an idle socket", elapsed)
	}
	if l.IsListening() {
		t.Error("still listening after stop")
	}
}

func TestUDPListener_PollsWithBoundedDeadline(t *testing.T) {
	sock := NewMockUDPSocket()
	l := NewUDPListener(UDPListenerConfig{
		SocketFactory: NewMockUDPSocketFactory(sock),
		PollInterval:  5 * time.Millisecond,
	})
	defer l.Close()

	if err := l.StartListening(8888); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if sock.ReadCalls() < 3 {
		t.Errorf("expected repeated timed-out reads, got %d", sock.ReadCalls())
	}
}

func TestUDPListener_RestartAfterStop(t *testing.T) {
	h := newRecordingHandler()
	l := NewUDPListener(UDPListenerConfig{Host: "127.0.0.1", PollInterval: 20 * time.Millisecond, Handler: h.handle})
	defer l.Close()

	if err := l.StartListening(0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	l.StopListening()
	if err := l.StartListening(0); err != nil {
		t.Fatalf("restart: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("10,0.1"))
	h.waitFor(t, 1)
}

func TestUDPListener_SendWhileListening(t *testing.T) {
	// the "sensor unit" end
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer remote.Close()
	remotePort := remote.LocalAddr().(*net.UDPAddr).Port

	stats := &MockFullPacketStats{}
	l := NewUDPListener(UDPListenerConfig{Host: "127.0.0.1", PollInterval: 20 * time.Millisecond, Stats: stats})
	defer l.Close()
	if err := l.StartListening(0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Send("127.0.0.1", remotePort, "SCAN_LEFT")
		}()
	}
	wg.Wait()

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for i := 0; i < 4; i++ {
		n, _, err := remote.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(buf[:n]) != "SCAN_LEFT" {
			t.Errorf("received %q, want SCAN_LEFT", buf[:n])
		}
	}
	if _, sent, _ := stats.counts(); sent != 4 {
		t.Errorf("stats sent = %d, want 4", sent)
	}
}

func TestUDPListener_SendMalformedAddressIsDropped(t *testing.T) {
	stats := &MockFullPacketStats{}
	l := NewUDPListener(UDPListenerConfig{Stats: stats})
	defer l.Close()

	for _, addr := range []string{"", "not-an-ip", "300.1.1.1"} {
		l.Send(addr, 8889, "PING")
		if err := l.SendErr(addr, 8889, "PING"); err == nil {
			t.Errorf("SendErr(%q) should report failure", addr)
		}
	}
	if err := l.SendErr("127.0.0.1", 0, "PING"); err == nil {
		t.Error("port 0 should be rejected")
	}
	if _, sent, sendErrors := stats.counts(); sent != 0 || sendErrors != 7 {
		t.Errorf("sent=%d sendErrors=%d, want 0 and 7", sent, sendErrors)
	}
}

func TestUDPListener_SendWithoutSocket(t *testing.T) {
	l := &UDPListener{}
	if l.CanSend() {
		t.Error("listener without sender should not report CanSend")
	}
	l.Send("127.0.0.1", 8889, "PING")
	if err := l.SendErr("127.0.0.1", 8889, "PING"); !errors.Is(err, ErrNoSender) {
		t.Errorf("SendErr = %v, want ErrNoSender", err)
	}
}
