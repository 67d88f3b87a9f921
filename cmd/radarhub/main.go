package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/radarhub/internal/config"
	"github.com/banshee-data/radarhub/internal/controller"
	"github.com/banshee-data/radarhub/internal/gridstream"
	"github.com/banshee-data/radarhub/internal/monitor"
	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/network"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/replay"
	"github.com/banshee-data/radarhub/internal/simulator"
	"github.com/banshee-data/radarhub/internal/store"
	"github.com/banshee-data/radarhub/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a .json/.yaml config file")
	envFile     = flag.String("env-file", ".env", "Optional dotenv file with RADARHUB_* overrides")
	showVersion = flag.Bool("version", false, "Print version information and exit")

	listen        = flag.String("listen", ":8080", "HTTP monitor listen address")
	grpcListen    = flag.String("grpc-listen", "", "gRPC grid stream listen address (empty disables)")
	detectionPort = flag.Int("port", controller.DetectionPort, "UDP port for detection datagrams")
	commandPort   = flag.Int("command-port", controller.CommandPort, "UDP port on the sensor unit for commands")
	sensorIP      = flag.String("sensor-ip", "", "Sensor unit IP address")
	serialPort    = flag.String("serial-port", "", "Control unit serial device, e.g. /dev/ttyUSB0")
	disableSerial = flag.Bool("disable-serial", false, "Run without the serial control link")
	dbPath        = flag.String("db", "radarhub.db", "SQLite snapshot database (empty disables)")
	simulate      = flag.Bool("simulate", false, "Feed the grid from a simulated sweep instead of a sensor")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat     = flag.String("log-format", "text", "Log format: text or json")

	replayFile     = flag.String("replay", "", "Replay detection datagrams from a pcap/pcapng file")
	replayRealtime = flag.Bool("replay-realtime", true, "Pace replay by capture timestamps")
	replaySpeed    = flag.Float64("replay-speed", 1.0, "Replay speed multiplier when pacing")
)

// applyFlags copies explicitly set flags over cfg so that flags win over the
// file and the environment while unset flags leave them alone.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) error {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.HTTPListen = listen
		case "grpc-listen":
			cfg.GRPCListen = grpcListen
		case "port":
			cfg.DetectionPort = detectionPort
		case "command-port":
			cfg.CommandPort = commandPort
		case "sensor-ip":
			cfg.SensorIP = sensorIP
		case "serial-port":
			cfg.SerialPort = serialPort
		case "disable-serial":
			cfg.DisableSerial = disableSerial
		case "db":
			cfg.DBPath = dbPath
		case "simulate":
			cfg.Simulate = simulate
		case "log-level":
			cfg.LogLevel = logLevel
		}
	})
	return cfg.Validate()
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *envFile != "" {
		if err := config.LoadDotEnv(*envFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := applyFlags(fs, cfg); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	return cfg, nil
}

// app wires the grid, its producers and its consumers.
type app struct {
	cfg       *config.Config
	model     *radar.Model
	stats     *network.PacketStats
	ctrl      *controller.Controller
	store     *store.Store
	persister *store.Persister
	sim       *simulator.Simulator
	web       *monitor.WebServer
	grid      *gridstream.Server
	gridLn    net.Listener

	replayPath string
	replayOpts replay.Options
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:   cfg,
		model: radar.New(cfg.GetAngularRes(), cfg.GetRadialRes()),
		stats: network.NewPacketStats(),
	}

	if path := cfg.GetDBPath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		st.SetCommandLogLimit(cfg.GetCommandLogLimit())
		a.store = st

		if cfg.GetRestoreSnapshot() {
			restored, err := store.RestoreLatest(ctx, st, a.model, cfg.GetSensorID())
			if err != nil {
				monitoring.Logf("snapshot restore skipped: %v", err)
			} else if restored {
				monitoring.Logf("restored grid snapshot for %s", cfg.GetSensorID())
			}
		}
		a.persister = store.NewPersister(st, a.model, cfg.GetSensorID(), cfg.GetSnapshotInterval(), nil)
	}

	ctrlCfg := controller.Config{
		ListenHost:    cfg.GetListenHost(),
		ListenPort:    cfg.GetDetectionPort(),
		CommandPort:   cfg.GetCommandPort(),
		CommandPrefix: cfg.GetCommandPrefix(),
		PollInterval:  cfg.GetPollInterval(),
		LogInterval:   cfg.GetStatsInterval(),
		Stats:         a.stats,
		DisableSerial: cfg.GetDisableSerial(),
		SerialOptions: cfg.GetSerialOptions(),
	}
	if a.store != nil {
		ctrlCfg.Recorder = a.store
	}
	a.ctrl = controller.New(a.model, ctrlCfg)
	if err := a.ctrl.ListenErr(); err != nil {
		// the HTTP monitor, the serial relay and replay still work
		monitoring.Logf("detection listener inactive: %v", err)
	}

	if ip := cfg.GetSensorIP(); ip != "" {
		a.ctrl.SetSensorUnitAddress(ip)
	}
	if path := cfg.GetSerialPort(); path != "" && !cfg.GetDisableSerial() {
		if err := a.ctrl.ConnectControlUnit(path); err != nil {
			monitoring.Logf("control unit not connected: %v", err)
		}
	}

	if cfg.GetSimulate() {
		a.sim = simulator.New(a.model, simulator.Config{
			SweepRate:         cfg.GetSimSweepRate(),
			DetectionInterval: cfg.GetSimDetectionInterval(),
		})
	}

	admin := []monitor.AdminRouter{a.ctrl.Serial()}
	webCfg := monitor.WebServerConfig{
		Address:     cfg.GetHTTPListen(),
		Grid:        a.model,
		Controller:  a.ctrl,
		PacketStats: a.stats,
	}
	if a.store != nil {
		admin = append(admin, a.store)
		webCfg.Persister = a.persister
		webCfg.CommandLog = a.store
	}
	webCfg.Admin = admin
	a.web = monitor.NewWebServer(webCfg)

	if addr := cfg.GetGRPCListen(); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to listen for grid stream on %s: %w", addr, err)
		}
		a.gridLn = ln
		a.grid = gridstream.NewServer(a.model, gridstream.Config{
			ListenAddr:      addr,
			DefaultInterval: cfg.GetGRPCStreamInterval(),
		})
	}
	return a, nil
}

// Run blocks until ctx is cancelled or the HTTP server fails to start.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var webErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.web.Start(ctx); err != nil {
			webErr = err
			monitoring.Logf("HTTP server failed: %v", err)
			cancel()
		}
	}()

	if a.grid != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.grid.Serve(ctx, a.gridLn); err != nil {
				monitoring.Logf("grid stream stopped: %v", err)
			}
		}()
	}

	if a.persister != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.persister.Run(ctx); err != nil {
				monitoring.Logf("snapshot persister stopped: %v", err)
			}
		}()
	}

	if a.sim != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("simulator stopped: %v", err)
			}
			monitoring.Logf("simulator routine terminated")
		}()
	}

	if a.replayPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := replay.ReadPCAPFile(ctx, a.replayPath, a.cfg.GetDetectionPort(), a.ctrl.HandleUDPData, a.replayOpts)
			if err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("replay of %s failed: %v", a.replayPath, err)
			}
		}()
	}

	wg.Wait()
	return webErr
}

// Close stops the listeners, then closes the store.
func (a *app) Close() error {
	var errs []error
	errs = append(errs, a.ctrl.Close())
	if a.gridLn != nil {
		if err := a.gridLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(flag.CommandLine)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(os.Stderr, cfg.GetLogLevel(), *logFormat)
	installLogger(logger)
	logger.Infof("%s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	a.replayPath = *replayFile
	a.replayOpts = replay.Options{Realtime: *replayRealtime, Speed: *replaySpeed, Stats: a.stats}

	start := time.Now()
	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	if runErr != nil {
		logger.Fatalf("radarhub stopped: %v", runErr)
	}
	logger.Infof("Graceful shutdown complete after %v", time.Since(start).Round(time.Second))
}
