package serialmux

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is what the line listener needs from a port.
type SerialPorter interface {
	io.ReadWriteCloser
}

// TimeoutSerialPorter ports return (0, nil) when a read times out, which
// lets the reader loop notice Stop without closing the port first.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens the device at path. Tests swap in MockOpener.Open.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

// OpenRealPort opens path with go.bug.st/serial in raw mode and discards
// whatever the kernel buffered before we attached.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	_ = port.ResetInputBuffer()
	return port, nil
}
