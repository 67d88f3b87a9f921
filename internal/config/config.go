// Package config loads the radarhub process configuration.
//
// Every field is a pointer so a partial file only overrides what it names;
// the Get* accessors supply the defaults for anything left unset. Values are
// layered: defaults, then the config file, then RADARHUB_* environment
// variables (optionally read from a .env file), then command-line flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/radarhub/internal/serialmux"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RADARHUB_"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root process configuration.
type Config struct {
	// Detection datagrams and outbound commands
	ListenHost    *string `json:"listen_host,omitempty" yaml:"listen_host,omitempty"`
	DetectionPort *int    `json:"detection_port,omitempty" yaml:"detection_port,omitempty"`
	CommandPort   *int    `json:"command_port,omitempty" yaml:"command_port,omitempty"`
	CommandPrefix *string `json:"command_prefix,omitempty" yaml:"command_prefix,omitempty"`
	SensorIP      *string `json:"sensor_ip,omitempty" yaml:"sensor_ip,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "500ms"
	StatsInterval *string `json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"`

	// Serial control unit
	SerialPort    *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial        *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	DisableSerial *bool                  `json:"disable_serial,omitempty" yaml:"disable_serial,omitempty"`

	// Grid
	AngularRes *int `json:"angular_res,omitempty" yaml:"angular_res,omitempty"`
	RadialRes  *int `json:"radial_res,omitempty" yaml:"radial_res,omitempty"`

	// HTTP monitor
	HTTPListen *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`

	// gRPC grid stream for external renderers. Empty disables it.
	GRPCListen         *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	GRPCStreamInterval *string `json:"grpc_stream_interval,omitempty" yaml:"grpc_stream_interval,omitempty"`

	// Snapshot store. An empty db_path disables it.
	DBPath           *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	SensorID         *string `json:"sensor_id,omitempty" yaml:"sensor_id,omitempty"`
	SnapshotInterval *string `json:"snapshot_interval,omitempty" yaml:"snapshot_interval,omitempty"`
	RestoreSnapshot  *bool   `json:"restore_snapshot,omitempty" yaml:"restore_snapshot,omitempty"`
	CommandLogLimit  *int    `json:"command_log_limit,omitempty" yaml:"command_log_limit,omitempty"`

	// Simulated sensor
	Simulate             *bool    `json:"simulate,omitempty" yaml:"simulate,omitempty"`
	SimSweepRate         *float64 `json:"sim_sweep_rate,omitempty" yaml:"sim_sweep_rate,omitempty"` // degrees per second
	SimDetectionInterval *string  `json:"sim_detection_interval,omitempty" yaml:"sim_detection_interval,omitempty"`

	LogLevel *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Load reads a .json, .yaml or .yml file. Unknown keys are rejected so a
// misspelt option fails loudly instead of silently keeping its default.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// an empty YAML document decodes to io.EOF
		if err := dec.Decode(cfg); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none is
// given) into the process environment without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from RADARHUB_<FIELD> variables found by
// lookup, normally os.LookupEnv. The result is validated.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst **string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = ptrString(v)
		}
	}
	num := func(key string, dst **int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = ptrInt(n)
		return nil
	}
	flag := func(key string, dst **bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = ptrBool(b)
		return nil
	}

	str("LISTEN_HOST", &c.ListenHost)
	str("COMMAND_PREFIX", &c.CommandPrefix)
	str("SENSOR_IP", &c.SensorIP)
	str("POLL_INTERVAL", &c.PollInterval)
	str("STATS_INTERVAL", &c.StatsInterval)
	str("SERIAL_PORT", &c.SerialPort)
	str("HTTP_LISTEN", &c.HTTPListen)
	str("GRPC_LISTEN", &c.GRPCListen)
	str("GRPC_STREAM_INTERVAL", &c.GRPCStreamInterval)
	str("DB_PATH", &c.DBPath)
	str("SENSOR_ID", &c.SensorID)
	str("SNAPSHOT_INTERVAL", &c.SnapshotInterval)
	str("SIM_DETECTION_INTERVAL", &c.SimDetectionInterval)
	str("LOG_LEVEL", &c.LogLevel)

	errs := []error{
		num("DETECTION_PORT", &c.DetectionPort),
		num("COMMAND_PORT", &c.CommandPort),
		num("ANGULAR_RES", &c.AngularRes),
		num("RADIAL_RES", &c.RadialRes),
		num("COMMAND_LOG_LIMIT", &c.CommandLogLimit),
		flag("DISABLE_SERIAL", &c.DisableSerial),
		flag("RESTORE_SNAPSHOT", &c.RestoreSnapshot),
		flag("SIMULATE", &c.Simulate),
	}
	if v, ok := lookup(EnvPrefix + "SERIAL_BAUD"); ok {
		baud, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERIAL_BAUD: %w", EnvPrefix, err))
		} else {
			opts := c.GetSerialOptions()
			opts.BaudRate = baud
			c.Serial = &opts
		}
	}
	if v, ok := lookup(EnvPrefix + "SIM_SWEEP_RATE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSIM_SWEEP_RATE: %w", EnvPrefix, err))
		} else {
			c.SimSweepRate = ptrFloat64(f)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}

func validPort(name string, p *int) error {
	if p != nil && (*p < 1 || *p > 65535) {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, *p)
	}
	return nil
}

func validDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *s)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs,
		validPort("detection_port", c.DetectionPort),
		validPort("command_port", c.CommandPort),
		validDuration("poll_interval", c.PollInterval),
		validDuration("stats_interval", c.StatsInterval),
		validDuration("snapshot_interval", c.SnapshotInterval),
		validDuration("sim_detection_interval", c.SimDetectionInterval),
		validDuration("grpc_stream_interval", c.GRPCStreamInterval),
	)

	if c.SensorIP != nil && *c.SensorIP != "" && net.ParseIP(*c.SensorIP) == nil {
		errs = append(errs, fmt.Errorf("sensor_ip %q is not an IP address", *c.SensorIP))
	}
	if c.AngularRes != nil && *c.AngularRes <= 0 {
		errs = append(errs, fmt.Errorf("angular_res must be positive, got %d", *c.AngularRes))
	}
	if c.RadialRes != nil && *c.RadialRes <= 0 {
		errs = append(errs, fmt.Errorf("radial_res must be positive, got %d", *c.RadialRes))
	}
	if c.CommandLogLimit != nil && *c.CommandLogLimit < 0 {
		errs = append(errs, fmt.Errorf("command_log_limit must be non-negative, got %d", *c.CommandLogLimit))
	}
	if c.SimSweepRate != nil && *c.SimSweepRate <= 0 {
		errs = append(errs, fmt.Errorf("sim_sweep_rate must be positive, got %f", *c.SimSweepRate))
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			errs = append(errs, fmt.Errorf("serial: %w", err))
		}
	}
	if c.LogLevel != nil {
		if _, err := logrus.ParseLevel(*c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	return errors.Join(errs...)
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetListenHost returns the detection listener's bind host ("" means all
// interfaces).
func (c *Config) GetListenHost() string {
	if c.ListenHost == nil {
		return ""
	}
	return *c.ListenHost
}

// GetDetectionPort returns the detection_port value or the default.
func (c *Config) GetDetectionPort() int {
	if c.DetectionPort == nil {
		return 8888
	}
	return *c.DetectionPort
}

// GetCommandPort returns the command_port value or the default.
func (c *Config) GetCommandPort() int {
	if c.CommandPort == nil {
		return 8889
	}
	return *c.CommandPort
}

// GetCommandPrefix returns the command_prefix value or the default.
func (c *Config) GetCommandPrefix() string {
	if c.CommandPrefix == nil || *c.CommandPrefix == "" {
		return "IR:"
	}
	return *c.CommandPrefix
}

// GetSensorIP returns the sensor unit address to start with, "" if unknown.
func (c *Config) GetSensorIP() string {
	if c.SensorIP == nil {
		return ""
	}
	return *c.SensorIP
}

// GetPollInterval returns how often the detection listener checks for stop.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 500*time.Millisecond)
}

// GetStatsInterval returns the packet stats logging period.
func (c *Config) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Second)
}

// GetSerialPort returns the control unit device path, "" for none.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialOptions returns the serial link options with defaults applied.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalise(); err == nil {
		return n
	}
	return opts
}

// GetDisableSerial returns the disable_serial value or the default.
func (c *Config) GetDisableSerial() bool {
	if c.DisableSerial == nil {
		return false
	}
	return *c.DisableSerial
}

// GetAngularRes returns the angular_res value or the default.
func (c *Config) GetAngularRes() int {
	if c.AngularRes == nil {
		return 30
	}
	return *c.AngularRes
}

// GetRadialRes returns the radial_res value or the default.
func (c *Config) GetRadialRes() int {
	if c.RadialRes == nil {
		return 4
	}
	return *c.RadialRes
}

// GetHTTPListen returns the monitor's listen address.
func (c *Config) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return ":8080"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the grid stream's listen address, "" when disabled.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetGRPCStreamInterval is the frame period for clients that do not ask for
// one.
func (c *Config) GetGRPCStreamInterval() time.Duration {
	return durationOr(c.GRPCStreamInterval, 100*time.Millisecond)
}

// GetDBPath returns the snapshot database path. Empty disables the store.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "radarhub.db"
	}
	return *c.DBPath
}

// GetSensorID returns the key snapshots are stored under.
func (c *Config) GetSensorID() string {
	if c.SensorID == nil || *c.SensorID == "" {
		return "radar-0"
	}
	return *c.SensorID
}

// GetSnapshotInterval returns the periodic snapshot period. Zero disables
// periodic saves.
func (c *Config) GetSnapshotInterval() time.Duration {
	return durationOr(c.SnapshotInterval, 60*time.Second)
}

// GetRestoreSnapshot returns the restore_snapshot value or the default.
func (c *Config) GetRestoreSnapshot() bool {
	if c.RestoreSnapshot == nil {
		return true
	}
	return *c.RestoreSnapshot
}

// GetCommandLogLimit returns the command_log_limit value or the default.
func (c *Config) GetCommandLogLimit() int {
	if c.CommandLogLimit == nil {
		return 1000
	}
	return *c.CommandLogLimit
}

// GetSimulate returns the simulate value or the default.
func (c *Config) GetSimulate() bool {
	if c.Simulate == nil {
		return false
	}
	return *c.Simulate
}

// GetSimSweepRate returns the simulated sweep rate in degrees per second.
func (c *Config) GetSimSweepRate() float64 {
	if c.SimSweepRate == nil {
		return 50
	}
	return *c.SimSweepRate
}

// GetSimDetectionInterval returns the simulated detection period.
func (c *Config) GetSimDetectionInterval() time.Duration {
	return durationOr(c.SimDetectionInterval, 20*time.Millisecond)
}

// GetLogLevel returns the log_level value or the default.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}
