package network

import (
	"net"
	"time"
)

// UDPSocket is the part of *net.UDPConn the detection listener uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// UDPSocketFactory binds the detection port. Tests inject a factory that
// returns a MockUDPSocket.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory binds with net.ListenUDP.
type RealUDPSocketFactory struct{}

func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		// avoid a typed-nil UDPSocket
		return nil, err
	}
	return conn, nil
}
