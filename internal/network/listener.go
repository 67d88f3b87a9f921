// Package network carries the sensor unit's UDP traffic: the detection
// listener that receives "angle,distance" datagrams and the sender that
// relays commands back to the unit.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

const (
	// DefaultPollInterval bounds each blocking read so a stop request is
	// noticed promptly on an idle socket.
	DefaultPollInterval = 500 * time.Millisecond

	// maxDatagramSize comfortably exceeds any "angle,distance" payload.
	maxDatagramSize = 1024
)

// ErrNoSender is returned by SendErr when the listener has no usable send
// socket.
var ErrNoSender = errors.New("UDP send socket unavailable")

// Handler receives one datagram payload. The slice is owned by the handler.
type Handler func(payload []byte)

// UDPListenerConfig contains configuration options for the UDP listener
type UDPListenerConfig struct {
	Host          string // bind host; empty listens on all interfaces
	RcvBuf        int
	PollInterval  time.Duration
	LogInterval   time.Duration
	Stats         PacketStatsInterface
	SocketFactory UDPSocketFactory
	Sender        *Sender // optional; a fresh send socket is opened when nil
	Handler       Handler
}

// UDPListener owns a receive-only socket bound to one port and delivers
// every datagram to its Handler from a single background goroutine. It also
// owns an independent Sender for outbound commands.
//
// StopListening joins that goroutine, so a Handler must not call it
// synchronously: doing so waits on itself forever. A Handler that wants to
// stop the listener starts StopListening on a new goroutine.
type UDPListener struct {
	host         string
	rcvBuf       int
	pollInterval time.Duration
	logInterval  time.Duration
	stats        PacketStatsInterface
	factory      UDPSocketFactory
	handler      Handler
	sender       *Sender

	// mu serialises StartListening/StopListening transitions.
	mu        sync.Mutex
	conn      UDPSocket
	cancel    context.CancelFunc
	listening atomic.Bool
	wg        sync.WaitGroup
}

// NewUDPListener creates a new UDP listener with the provided configuration
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	factory := config.SocketFactory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	handler := config.Handler
	if handler == nil {
		handler = func([]byte) {}
	}

	sender := config.Sender
	if sender == nil {
		var err error
		sender, err = NewSender(stats)
		if err != nil {
			// sends become silent no-ops; listening is unaffected
			monitoring.Logf("UDP sender unavailable: %v", err)
			sender = nil
		}
	}

	return &UDPListener{
		host:         config.Host,
		rcvBuf:       config.RcvBuf,
		pollInterval: pollInterval,
		logInterval:  logInterval,
		stats:        stats,
		factory:      factory,
		handler:      handler,
		sender:       sender,
	}
}

// StartListening binds the port and starts the receive loop. Calling it
// while already listening is a no-op. A bind failure is logged, returned,
// and leaves the listener stopped. Port 0 binds an ephemeral port.
func (l *UDPListener) StartListening(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listening.Load() {
		return nil
	}

	address := net.JoinHostPort(l.host, strconv.Itoa(port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		monitoring.Logf("UDP listener: failed to resolve %s: %v", address, err)
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		monitoring.Logf("UDP listener: bind failed on %s: %v", address, err)
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancel = cancel
	l.listening.Store(true)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.receiveLoop(ctx, conn)
	}()
	go func() {
		defer l.wg.Done()
		l.statsLoop(ctx)
	}()

	monitoring.Logf("UDP listener started on %s", conn.LocalAddr())
	return nil
}

// StopListening stops the receive loop and waits for it to exit. It is
// idempotent and safe from any goroutine except the Handler's own (see
// UDPListener). Once it returns no further Handler calls will happen.
func (l *UDPListener) StopListening() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.listening.Load() {
		return
	}
	l.listening.Store(false)

	l.cancel()
	// closing unblocks a read parked before its deadline
	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		monitoring.Logf("UDP listener: close error: %v", err)
	}
	l.wg.Wait()

	l.conn = nil
	l.cancel = nil
	monitoring.Logf("UDP listener stopped")
}

// IsListening reports whether the receive loop is running.
func (l *UDPListener) IsListening() bool {
	return l.listening.Load()
}

// LocalAddr returns the bound address, or nil when not listening.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// CanSend reports whether an outbound socket is available.
func (l *UDPListener) CanSend() bool {
	return l.sender != nil
}

// Send fires message at address:port without waiting for any response. It
// is safe to call concurrently with the receive loop and with other sends.
// Malformed destinations are dropped silently.
func (l *UDPListener) Send(address string, port int, message string) {
	_ = l.SendErr(address, port, message)
}

// SendErr is Send for callers that want to know whether the datagram left.
func (l *UDPListener) SendErr(address string, port int, message string) error {
	if l.sender == nil {
		return ErrNoSender
	}
	if !l.sender.Send(address, port, message) {
		return fmt.Errorf("datagram to %s:%d not sent", address, port)
	}
	return nil
}

// Close stops listening and releases the send socket.
func (l *UDPListener) Close() error {
	l.StopListening()
	return l.sender.Close()
}

// receiveLoop reads datagrams with a bounded deadline so cancellation is
// observed between reads.
func (l *UDPListener) receiveLoop(ctx context.Context, conn UDPSocket) {
	buffer := make([]byte, maxDatagramSize)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("UDP listener: failed to set read deadline: %v", err)
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		l.stats.AddPacket(n)
		packet := make([]byte, n)
		copy(packet, buffer[:n])
		monitoring.Debugf("datagram from %v: %q", addr, packet)
		l.handler(packet)
	}
}

// statsLoop periodically logs packet statistics until ctx is done.
func (l *UDPListener) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
