package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

// PacketWriter is the write half of a UDP socket. *net.UDPConn satisfies it
// and is safe for concurrent use.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// Sender fires single datagrams at arbitrary destinations from its own
// unconnected socket, independent of any listening socket. Sends never wait
// for a reply and never return errors to the caller: failures are counted
// and logged.
type Sender struct {
	conn  PacketWriter
	stats PacketStatsInterface

	closeOnce sync.Once
}

// NewSender opens an unbound UDP socket for outbound datagrams.
func NewSender(stats PacketStatsInterface) (*Sender, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create send socket: %w", err)
	}
	return NewSenderWithWriter(conn, stats), nil
}

// NewSenderWithWriter wraps an existing writer, mainly for tests.
func NewSenderWithWriter(w PacketWriter, stats PacketStatsInterface) *Sender {
	if stats == nil {
		stats = noopStats{}
	}
	return &Sender{conn: w, stats: stats}
}

// ResolveDestination validates an IP literal and port. Host names are
// rejected so a send never blocks on DNS.
func ResolveDestination(address string, port int) (*net.UDPAddr, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid destination IP %q", address)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", port)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// Send writes message as one datagram to address:port. It reports whether
// the datagram was handed to the kernel; malformed destinations are dropped.
func (s *Sender) Send(address string, port int, message string) bool {
	if s == nil || s.conn == nil {
		return false
	}
	dst, err := ResolveDestination(address, port)
	if err != nil {
		s.stats.AddSendError()
		monitoring.Debugf("dropping outbound datagram: %v", err)
		return false
	}
	n, err := s.conn.WriteToUDP([]byte(message), dst)
	if err != nil {
		s.stats.AddSendError()
		monitoring.Logf("UDP send to %s failed: %v", dst, err)
		return false
	}
	s.stats.AddSent(n)
	return true
}

// Close releases the send socket. It is safe to call more than once.
func (s *Sender) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}
