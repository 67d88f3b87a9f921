package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radarhub/internal/controller"
	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/network"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/serialmux"
	"github.com/banshee-data/radarhub/internal/store"
	"github.com/banshee-data/radarhub/internal/timeutil"
)

type datagram struct {
	addr    string
	payload string
}

type captureWriter struct {
	mu   sync.Mutex
	sent []datagram
}

func (w *captureWriter) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, datagram{addr: addr.String(), payload: string(b)})
	return len(b), nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) datagrams() []datagram {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]datagram(nil), w.sent...)
}

type fakePersister struct {
	id      string
	err     error
	reasons []string
}

func (p *fakePersister) PersistNow(ctx context.Context, reason string) (string, error) {
	p.reasons = append(p.reasons, reason)
	return p.id, p.err
}

type testEnv struct {
	clock  *timeutil.MockClock
	model  *radar.Model
	ctrl   *controller.Controller
	writer *captureWriter
	port   *serialmux.TestableSerialPort
	opener *serialmux.MockOpener
	stats  *network.PacketStats
	ws     *WebServer
}

func newTestEnv(t *testing.T, mutate func(*WebServerConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  timeutil.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		writer: &captureWriter{},
		port:   serialmux.NewTestableSerialPort(),
		stats:  network.NewPacketStats(),
	}
	env.opener = serialmux.NewMockOpener(env.port)
	env.model = radar.New(12, 3, radar.WithClock(env.clock))
	env.ctrl = controller.New(env.model, controller.Config{
		PollInterval: 5 * time.Millisecond,
		Stats:        env.stats,
		Sockets:      network.NewMockUDPSocketFactory(network.NewMockUDPSocket()),
		Sender:       network.NewSenderWithWriter(env.writer, env.stats),
		SerialOpener: env.opener.Open,
	})
	t.Cleanup(func() { env.ctrl.Close() })

	cfg := WebServerConfig{
		Address:     "127.0.0.1:0",
		Grid:        env.model,
		Controller:  env.ctrl,
		PacketStats: env.stats,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.ws = NewWebServer(cfg)
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	env.ws.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestGrid_ReportsAgesAndSweep(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.AddDetection(45, 0.5)
	env.model.SetCurrentSweepAngle(45)
	env.clock.Advance(3 * time.Second)

	rec := env.do(t, http.MethodGet, "/api/grid", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[GridResponse](t, rec)
	assert.Equal(t, 12, got.Angular)
	assert.Equal(t, 3, got.Radial)
	assert.Equal(t, 45.0, got.SweepDeg)
	require.Len(t, got.HitTimes, 36)

	idx, ok := env.model.CellIndex(45, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 3.0, got.HitTimes[idx], 1e-9)
	assert.Equal(t, uint64(1), got.Stats.Accepted)

	rec = env.do(t, http.MethodPost, "/api/grid", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGridSummary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.AddDetection(10, 0.1)
	env.clock.Advance(time.Second)
	env.model.AddDetection(100, 0.9)

	rec := env.do(t, http.MethodGet, "/api/grid/summary", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[GridSummary](t, rec)
	assert.Equal(t, 36, s.Cells)
	assert.Equal(t, 2, s.FreshCells)
	assert.Zero(t, s.MinAgeSecs)

	idx, _ := env.model.CellIndex(100, 0.9)
	assert.Equal(t, idx, s.FreshestCell)

	rec = env.do(t, http.MethodGet, "/api/grid/summary?fresh_secs=0.5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[GridSummary](t, rec).FreshCells)

	rec = env.do(t, http.MethodGet, "/api/grid/summary?fresh_secs=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepAndClear(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.SetCurrentSweepAngle(123.5)
	env.model.AddDetection(0, 0)

	rec := env.do(t, http.MethodGet, "/api/sweep", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 123.5, decode[map[string]float64](t, rec)["sweep_deg"])

	rec = env.do(t, http.MethodGet, "/api/clear", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/clear", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, age := range env.model.CellHitTimes() {
		assert.InDelta(t, radar.NeverHitAge.Seconds(), age, 1e-9)
	}
	assert.Equal(t, 123.5, env.model.CurrentSweepAngle(), "clear leaves the sweep angle alone")
}

func TestSensor_GetAndSet(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/sensor", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode[map[string]string](t, rec)["ip"])

	rec = env.do(t, http.MethodPost, "/api/sensor", url.Values{"ip": {"192.168.4.1"}}.Encode(),
		"application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.168.4.1", env.ctrl.SensorUnitAddress())

	rec = env.do(t, http.MethodPost, "/api/sensor", `{"ip":"10.0.0.7"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.0.0.7", env.ctrl.SensorUnitAddress())

	rec = env.do(t, http.MethodPost, "/api/sensor", `{"ip":"not-an-ip"}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "10.0.0.7", env.ctrl.SensorUnitAddress())

	rec = env.do(t, http.MethodPost, "/api/sensor", `{broken`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/sensor", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCommand_RelaysToSensorUnit(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/command", `{"command":"PING"}`, "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code, "no sensor address yet")
	assert.Empty(t, env.writer.datagrams())

	env.ctrl.SetSensorUnitAddress("192.168.4.1")

	rec = env.do(t, http.MethodPost, "/api/command", `{"command":""}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/command", `{"command":"RATE 40"}`, "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []datagram{{addr: "192.168.4.1:8889", payload: "RATE 40"}}, env.writer.datagrams())
	assert.Equal(t, uint64(1), env.ctrl.Stats().CommandsSent)
}

func TestCommand_UnsentReportsUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	// an address set from configuration bypasses /api/sensor validation
	env.ctrl.SetSensorUnitAddress("radar.local")

	rec := env.do(t, http.MethodPost, "/api/command", `{"command":"PING"}`, "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "radar.local")
	assert.Empty(t, env.writer.datagrams())
	assert.Equal(t, uint64(0), env.ctrl.Stats().CommandsSent)
}

func TestCommands_Log(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.RecordCommand("192.168.4.1", "PING", true))
	require.NoError(t, st.RecordCommand("192.168.4.1", "STOP", false))

	env := newTestEnv(t, func(c *WebServerConfig) { c.CommandLog = st })

	rec := env.do(t, http.MethodGet, "/api/commands?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]store.CommandRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "STOP", records[0].Command)

	rec = env.do(t, http.MethodGet, "/api/commands?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommands_DisabledWithoutLog(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/commands", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlUnit_ConnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/control-unit", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ControlUnitStatus{}, decode[ControlUnitStatus](t, rec))

	rec = env.do(t, http.MethodPost, "/api/control-unit", `{"path":"/dev/ttyUSB0"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ControlUnitStatus{Open: true, Path: "/dev/ttyUSB0"}, decode[ControlUnitStatus](t, rec))
	assert.Equal(t, "/dev/ttyUSB0", env.opener.LastCall().Path)

	rec = env.do(t, http.MethodDelete, "/api/control-unit", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ControlUnitStatus{}, decode[ControlUnitStatus](t, rec))

	rec = env.do(t, http.MethodPost, "/api/control-unit", `{}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlUnit_OpenFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.opener.Error = errors.New("no such device")

	rec := env.do(t, http.MethodPost, "/api/control-unit", `{"path":"/dev/missing"}`, "application/json")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, env.ctrl.Serial().IsOpen())
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ctrl.HandleUDPData([]byte("30,0.5"))
	env.ctrl.HandleUDPData([]byte("garbage"))
	env.stats.LogStats()

	rec := env.do(t, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[StatsResponse](t, rec)
	assert.Equal(t, uint64(1), got.Controller.Detections)
	assert.Equal(t, uint64(1), got.Controller.Malformed)
	assert.Equal(t, uint64(1), got.Grid.Accepted)
	require.NotNil(t, got.Packets)
	assert.Equal(t, int64(1), got.Packets.TotalDropped)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/snapshot", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no persister configured")

	p := &fakePersister{id: "snap-1"}
	env = newTestEnv(t, func(c *WebServerConfig) { c.Persister = p })

	rec = env.do(t, http.MethodGet, "/api/snapshot", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/snapshot", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "snap-1", decode[map[string]string](t, rec)["snapshot_id"])
	assert.Equal(t, []string{"manual"}, p.reasons)

	p.err = errors.New("disk full")
	rec = env.do(t, http.MethodPost, "/api/snapshot", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGridPNG(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.AddDetection(90, 0.5)
	env.model.SetCurrentSweepAngle(90)

	rec := env.do(t, http.MethodGet, "/api/grid.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())

	rec = env.do(t, http.MethodGet, "/api/grid.png?max_age=nope", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenderHeatmap_RejectsShapeMismatch(t *testing.T) {
	_, err := RenderHeatmap(make([]float64, 5), 2, 3, 0, DefaultMaxAge)
	assert.Error(t, err)
}

func TestDebugCharts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.model.AddDetection(200, 0.75)

	rec := env.do(t, http.MethodGet, "/debug/grid-chart", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Radar grid cell age")

	rec = env.do(t, http.MethodGet, "/debug/traffic-chart", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Radar traffic")
}

func TestAdminRoutesFromLinkAndStore(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := newTestEnv(t, nil)
	env.ws = NewWebServer(WebServerConfig{
		Grid:       env.model,
		Controller: env.ctrl,
		Admin:      []AdminRouter{env.ctrl.Serial(), st},
	})

	rec := env.do(t, http.MethodGet, "/debug/send-command", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/debug/tailsql/", "", "")
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	env := newTestEnv(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.ws.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStart_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	env := newTestEnv(t, func(c *WebServerConfig) { c.Address = ln.Addr().String() })
	err = env.ws.Start(context.Background())
	assert.Error(t, err)
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, lines, 1)
	assert.Equal(t, colorBoldRed+"418"+colorReset, statusCodeColor(http.StatusTeapot))
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(http.StatusOK))
}
