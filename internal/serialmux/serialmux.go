// Package serialmux reads the control unit's serial link line by line and
// fans each line out to a handler and to any number of live subscribers. It
// can also write command lines back to the device.
package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

const (
	// DefaultReadTimeout bounds each read so Stop is noticed promptly.
	DefaultReadTimeout = 200 * time.Millisecond
	// DefaultIdleBackoff is the pause after a read that returned nothing.
	DefaultIdleBackoff = 10 * time.Millisecond

	readChunkSize     = 256
	subscriberBacklog = 32
)

var (
	ErrWriteFailed   = errors.New("failed to write to serial port")
	ErrNotOpen       = errors.New("serial port not open")
	ErrAlreadyOpen   = errors.New("serial port already open")
	ErrListenerClose = errors.New("serial listener closed")
)

// Link is the surface the controller and the admin routes use. LineListener
// and DisabledLineListener implement it.
type Link interface {
	// Open attaches to the device at path and starts reading lines.
	Open(path string) error
	// Stop detaches from the device. The link can be opened again.
	Stop()
	// IsOpen reports whether a device is attached.
	IsOpen() bool
	// Path returns the attached device path, or "" when detached.
	Path() string
	// Subscribe creates a channel that receives every line read from the
	// device. The ID is used to unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(id string)
	// SendCommand writes one newline-terminated line to the device.
	SendCommand(command string) error
	// Close stops the link for good and closes every subscriber channel.
	Close() error
	// AttachAdminRoutes mounts debugging endpoints under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// LineListenerConfig configures a LineListener.
type LineListenerConfig struct {
	Opener      SerialPortOpener
	Options     PortOptions
	ReadTimeout time.Duration
	IdleBackoff time.Duration
	Handler     func(line []byte)
}

// LineListener owns at most one open serial port and the goroutine that
// reads it.
type LineListener struct {
	opener      SerialPortOpener
	options     PortOptions
	readTimeout time.Duration
	idleBackoff time.Duration
	handler     func([]byte)

	// mu serialises Open/Stop/Close transitions.
	mu     sync.Mutex
	port   SerialPorter
	path   string
	cancel context.CancelFunc
	open   atomic.Bool
	closed bool
	wg     sync.WaitGroup

	commandMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	lines atomic.Uint64
}

var _ Link = (*LineListener)(nil)

// NewLineListener returns a detached listener. Call Open to attach it.
func NewLineListener(config LineListenerConfig) *LineListener {
	opener := config.Opener
	if opener == nil {
		opener = OpenRealPort
	}
	readTimeout := config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	idleBackoff := config.IdleBackoff
	if idleBackoff <= 0 {
		idleBackoff = DefaultIdleBackoff
	}
	handler := config.Handler
	if handler == nil {
		handler = func([]byte) {}
	}
	return &LineListener{
		opener:      opener,
		options:     config.Options,
		readTimeout: readTimeout,
		idleBackoff: idleBackoff,
		handler:     handler,
		subscribers: make(map[string]chan string),
	}
}

// Open opens the device and starts the read loop. On failure a diagnostic is
// logged, the error is returned and the listener stays detached, so the
// handler never fires.
func (l *LineListener) Open(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClose
	}
	if l.open.Load() {
		return ErrAlreadyOpen
	}

	port, err := l.opener(path, l.options)
	if err != nil {
		monitoring.Logf("Serial: failed to open %s (%s): %v", path, l.options, err)
		return fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(l.readTimeout); err != nil {
			monitoring.Logf("Serial: failed to set read timeout on %s: %v", path, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.commandMu.Lock()
	l.port = port
	l.commandMu.Unlock()
	l.path = path
	l.cancel = cancel
	l.open.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(ctx, port)
	}()

	monitoring.Logf("Serial: listening on %s (%s)", path, l.options)
	return nil
}

// Stop ends the read loop, waits for it, then closes the port. It is
// idempotent. No handler call happens after it returns.
func (l *LineListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *LineListener) stopLocked() {
	if !l.open.Load() {
		return
	}
	l.open.Store(false)
	l.cancel()

	port := l.port
	_, bounded := port.(TimeoutSerialPorter)
	if !bounded {
		// without a read timeout only closing the port unblocks the reader
		l.closePort(port)
	}
	l.wg.Wait()
	if bounded {
		l.closePort(port)
	}

	l.commandMu.Lock()
	l.port = nil
	l.commandMu.Unlock()

	monitoring.Logf("Serial: closed %s", l.path)
	l.path = ""
	l.cancel = nil
}

func (l *LineListener) closePort(port SerialPorter) {
	if err := port.Close(); err != nil {
		monitoring.Logf("Serial: close error on %s: %v", l.path, err)
	}
}

// IsOpen reports whether a device is attached.
func (l *LineListener) IsOpen() bool { return l.open.Load() }

// Path returns the attached device path.
func (l *LineListener) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Lines returns how many lines have been delivered since construction.
func (l *LineListener) Lines() uint64 { return l.lines.Load() }

// Close stops the listener and closes every subscriber channel. Later calls
// to Open fail with ErrListenerClose. Close is idempotent.
func (l *LineListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.stopLocked()

	l.subscriberMu.Lock()
	l.closed = true
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return nil
}

// Subscribe creates a new channel for receiving lines. A slow subscriber
// misses lines rather than stalling the read loop.
func (l *LineListener) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBacklog)

	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.closed {
		// callers ranging over the channel return immediately
		close(ch)
		return id, ch
	}
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *LineListener) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// SendCommand writes command to the device, adding a trailing newline if it
// has none.
func (l *LineListener) SendCommand(command string) error {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()

	if l.port == nil {
		return ErrNotOpen
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := l.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// readLoop reads chunks until ctx is cancelled. Read errors are logged once
// per run of failures and treated like an empty read.
func (l *LineListener) readLoop(ctx context.Context, port SerialPorter) {
	var framer LineFramer
	buf := make([]byte, readChunkSize)
	failing := false

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			failing = false
			framer.Push(buf[:n], l.deliver)
			continue
		}

		if err != nil && !failing {
			monitoring.Logf("Serial: read error: %v", err)
			failing = true
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.idleBackoff):
		}
	}
}

func (l *LineListener) deliver(line []byte) {
	l.lines.Add(1)
	monitoring.Debugf("serial line: %q", line)
	l.handler(line)

	text := string(line)
	l.subscriberMu.Lock()
	for _, ch := range l.subscribers {
		select {
		case ch <- text:
		default:
		}
	}
	l.subscriberMu.Unlock()
}
