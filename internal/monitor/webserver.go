// Package monitor serves the HTTP view of the radar grid and the control
// endpoints for the sensor unit.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/radarhub/internal/controller"
	"github.com/banshee-data/radarhub/internal/httputil"
	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/network"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/serialmux"
	"github.com/banshee-data/radarhub/internal/store"
)

const maxRequestBody = 4 << 10

// GridSource is the grid the server renders. *radar.Model implements it.
type GridSource interface {
	radar.Grid
	Dimensions() (angular, radial int)
	Stats() radar.Stats
}

// Commander is the controller surface the server drives.
// *controller.Controller implements it.
type Commander interface {
	SetSensorUnitAddress(ip string)
	SensorUnitAddress() string
	SendCommandToRadar(command string) bool
	ConnectControlUnit(path string) error
	DisconnectControlUnit()
	Serial() serialmux.Link
	Stats() controller.Stats
}

// SnapshotPersister saves the grid on demand. *store.Persister implements it.
type SnapshotPersister interface {
	PersistNow(ctx context.Context, reason string) (string, error)
}

// CommandLog lists recently relayed commands. *store.Store implements it.
type CommandLog interface {
	RecentCommands(ctx context.Context, limit int) ([]store.CommandRecord, error)
}

// AdminRouter mounts debug routes under /debug/.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address     string
	Grid        GridSource
	Controller  Commander
	PacketStats *network.PacketStats
	Persister   SnapshotPersister
	CommandLog  CommandLog
	Admin       []AdminRouter
	// ShutdownTimeout bounds graceful shutdown. Zero means one second.
	ShutdownTimeout time.Duration
}

// WebServer serves the grid, the stats and the control endpoints.
type WebServer struct {
	address         string
	grid            GridSource
	ctrl            Commander
	stats           *network.PacketStats
	persister       SnapshotPersister
	commandLog      CommandLog
	shutdownTimeout time.Duration

	mux    *http.ServeMux
	server *http.Server
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:         config.Address,
		grid:            config.Grid,
		ctrl:            config.Controller,
		stats:           config.PacketStats,
		persister:       config.Persister,
		commandLog:      config.CommandLog,
		shutdownTimeout: config.ShutdownTimeout,
	}
	if ws.shutdownTimeout <= 0 {
		ws.shutdownTimeout = time.Second
	}

	ws.mux = ws.setupRoutes()
	for _, a := range config.Admin {
		if a != nil {
			a.AttachAdminRoutes(ws.mux)
		}
	}

	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           LoggingMiddleware(ws.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the routed handler without the request logger.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is cancelled, then shuts the server down. It
// returns the listen error if the address cannot be bound.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return err
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ws.shutdownTimeout)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	<-errc

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/grid", ws.handleGrid)
	mux.HandleFunc("/api/grid/summary", ws.handleGridSummary)
	mux.HandleFunc("/api/grid.png", ws.handleGridPNG)
	mux.HandleFunc("/api/sweep", ws.handleSweep)
	mux.HandleFunc("/api/clear", ws.handleClear)
	mux.HandleFunc("/api/sensor", ws.handleSensor)
	mux.HandleFunc("/api/command", ws.handleCommand)
	mux.HandleFunc("/api/commands", ws.handleCommands)
	mux.HandleFunc("/api/control-unit", ws.handleControlUnit)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/snapshot", ws.handleSnapshot)
	ws.attachDebugRoutes(mux)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GridResponse is the body of GET /api/grid.
type GridResponse struct {
	Angular  int         `json:"angular"`
	Radial   int         `json:"radial"`
	SweepDeg float64     `json:"sweep_deg"`
	HitTimes []float64   `json:"hit_times"`
	Stats    radar.Stats `json:"stats"`
}

func (ws *WebServer) handleGrid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	angular, radial := ws.grid.Dimensions()
	httputil.WriteJSONOK(w, GridResponse{
		Angular:  angular,
		Radial:   radial,
		SweepDeg: ws.grid.CurrentSweepAngle(),
		HitTimes: ws.grid.CellHitTimes(),
		Stats:    ws.grid.Stats(),
	})
}

func (ws *WebServer) handleGridSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	fresh := DefaultFreshAge
	if v := r.URL.Query().Get("fresh_secs"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			httputil.BadRequest(w, "invalid 'fresh_secs' parameter")
			return
		}
		fresh = f
	}
	httputil.WriteJSONOK(w, Summarize(ws.grid.CellHitTimes(), fresh))
}

func (ws *WebServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]float64{"sweep_deg": ws.grid.CurrentSweepAngle()})
}

func (ws *WebServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ws.grid.ClearHits()
	monitoring.Logf("grid cleared via API")
	httputil.WriteJSONOK(w, map[string]string{"status": "cleared"})
}

// readField takes name from a JSON object body or from the form, so curl -d
// and fetch with a JSON body both work.
func readField(w http.ResponseWriter, r *http.Request, name string) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", err
		}
		return body[name], nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.FormValue(name), nil
}

func (ws *WebServer) handleSensor(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]string{"ip": ws.ctrl.SensorUnitAddress()})
	case http.MethodPost:
		ip, err := readField(w, r, "ip")
		if err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		ip = strings.TrimSpace(ip)
		if ip != "" && net.ParseIP(ip) == nil {
			httputil.BadRequest(w, "invalid 'ip': not an IP address")
			return
		}
		ws.ctrl.SetSensorUnitAddress(ip)
		httputil.WriteJSONOK(w, map[string]string{"ip": ip})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	command, err := readField(w, r, "command")
	if err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if command == "" {
		httputil.BadRequest(w, "missing 'command'")
		return
	}
	ip := ws.ctrl.SensorUnitAddress()
	if ip == "" {
		httputil.Conflict(w, "sensor unit address not set")
		return
	}
	if !ws.ctrl.SendCommandToRadar(command) {
		httputil.ServiceUnavailable(w, "command not sent to "+ip)
		return
	}
	httputil.Accepted(w, map[string]string{"sent_to": ip, "command": command})
}

func (ws *WebServer) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.commandLog == nil {
		httputil.NotFound(w, "command log not enabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 1000 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	records, err := ws.commandLog.RecentCommands(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read command log")
		return
	}
	httputil.WriteJSONOK(w, records)
}

// ControlUnitStatus is the body of GET /api/control-unit.
type ControlUnitStatus struct {
	Open bool   `json:"open"`
	Path string `json:"path"`
}

func (ws *WebServer) handleControlUnit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		path, err := readField(w, r, "path")
		if err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		if path == "" {
			httputil.BadRequest(w, "missing 'path'")
			return
		}
		if err := ws.ctrl.ConnectControlUnit(path); err != nil {
			if errors.Is(err, serialmux.ErrDisabled) {
				httputil.ServiceUnavailable(w, err.Error())
				return
			}
			httputil.BadGateway(w, err.Error())
			return
		}
	case http.MethodDelete:
		ws.ctrl.DisconnectControlUnit()
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	link := ws.ctrl.Serial()
	httputil.WriteJSONOK(w, ControlUnitStatus{Open: link.IsOpen(), Path: link.Path()})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Packets    *network.StatsSnapshot `json:"packets,omitempty"`
	Controller controller.Stats       `json:"controller"`
	Grid       radar.Stats            `json:"grid"`
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatsResponse{
		Controller: ws.ctrl.Stats(),
		Grid:       ws.grid.Stats(),
	}
	if ws.stats != nil {
		resp.Packets = ws.stats.LatestSnapshot()
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.persister == nil {
		httputil.NotFound(w, "snapshot store not enabled")
		return
	}
	id, err := ws.persister.PersistNow(r.Context(), "manual")
	if err != nil {
		monitoring.Logf("manual snapshot failed: %v", err)
		httputil.InternalServerError(w, "failed to persist snapshot")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"snapshot_id": id})
}
