package serialmux

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledLineListener(t *testing.T) {
	d := NewDisabledLineListener()

	assert.ErrorIs(t, d.Open("/dev/ttyACM0"), ErrDisabled)
	assert.False(t, d.IsOpen())
	assert.Empty(t, d.Path())
	assert.ErrorIs(t, d.SendCommand("IR:PING"), ErrDisabled)
	d.Stop()

	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())

	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestDisabledLineListener_AdminRoute(t *testing.T) {
	mux := http.NewServeMux()
	NewDisabledLineListener().AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "serial disabled", w.Body.String())
}
