package serialmux

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// ErrDisabled is returned by DisabledLineListener.Open.
var ErrDisabled = errors.New("serial link disabled")

// DisabledLineListener is a no-op Link used when the control unit link is
// turned off in configuration. It tracks subscribers so their channels can be
// deterministically closed on Unsubscribe() or Close(), allowing admin tail
// readers to unblock predictably during shutdown.
type DisabledLineListener struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

var _ Link = (*DisabledLineListener)(nil)

func NewDisabledLineListener() *DisabledLineListener {
	return &DisabledLineListener{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledLineListener) Open(string) error { return ErrDisabled }
func (d *DisabledLineListener) Stop()             {}
func (d *DisabledLineListener) IsOpen() bool      { return false }
func (d *DisabledLineListener) Path() string      { return "" }

func (d *DisabledLineListener) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledLineListener) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLineListener) SendCommand(string) error { return ErrDisabled }

func (d *DisabledLineListener) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledLineListener) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
