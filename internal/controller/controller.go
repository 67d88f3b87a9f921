// Package controller wires the detection listener and the control-unit serial
// link to the radar grid, and relays operator commands to the sensor unit.
package controller

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/network"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/serialmux"
)

const (
	// DetectionPort is where the sensor unit sends "angle,distance" datagrams.
	DetectionPort = 8888
	// CommandPort is where the sensor unit listens for relayed commands.
	CommandPort = 8889
	// DefaultCommandPrefix marks control-link lines meant for the sensor unit.
	DefaultCommandPrefix = "IR:"
)

// ErrMalformedDetection is returned by ParseDetection.
var ErrMalformedDetection = errors.New("malformed detection")

// CommandRecorder is told about every command the controller tries to relay.
type CommandRecorder interface {
	RecordCommand(sensorIP, command string, sent bool) error
}

// Config holds the controller's transport settings. Zero values select the
// defaults.
type Config struct {
	ListenHost    string
	ListenPort    int
	CommandPort   int
	CommandPrefix string

	RcvBuf       int
	PollInterval time.Duration
	LogInterval  time.Duration
	Stats        network.PacketStatsInterface
	Sockets      network.UDPSocketFactory
	Sender       *network.Sender

	DisableSerial     bool
	SerialOpener      serialmux.SerialPortOpener
	SerialOptions     serialmux.PortOptions
	SerialReadTimeout time.Duration

	Recorder CommandRecorder
}

func (c Config) withDefaults() Config {
	if c.ListenPort == 0 {
		c.ListenPort = DetectionPort
	}
	if c.CommandPort == 0 {
		c.CommandPort = CommandPort
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
	if c.Stats == nil {
		c.Stats = network.NewPacketStats()
	}
	return c
}

// Stats counts what the controller did with its input.
type Stats struct {
	Detections      uint64 `json:"detections"`
	Malformed       uint64 `json:"malformed"`
	SerialLines     uint64 `json:"serial_lines"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsSkipped uint64 `json:"commands_skipped"`
}

// Controller owns the UDP listener and the serial link, and routes their
// input to the grid.
type Controller struct {
	model radar.Grid
	cfg   Config

	udp       *network.UDPListener
	serial    serialmux.Link
	listenErr error

	sensorMu sync.RWMutex
	sensorIP string

	detections      atomic.Uint64
	malformed       atomic.Uint64
	serialLines     atomic.Uint64
	commandsSent    atomic.Uint64
	commandsSkipped atomic.Uint64

	closeOnce sync.Once
}

// New creates a controller and immediately starts listening for detections
// on cfg.ListenPort. A bind failure is logged and leaves the UDP side inert;
// it is reported by ListenErr.
func New(model radar.Grid, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{model: model, cfg: cfg}

	c.udp = network.NewUDPListener(network.UDPListenerConfig{
		Host:          cfg.ListenHost,
		RcvBuf:        cfg.RcvBuf,
		PollInterval:  cfg.PollInterval,
		LogInterval:   cfg.LogInterval,
		Stats:         cfg.Stats,
		SocketFactory: cfg.Sockets,
		Sender:        cfg.Sender,
		Handler:       c.HandleUDPData,
	})

	if cfg.DisableSerial {
		c.serial = serialmux.NewDisabledLineListener()
	} else {
		c.serial = serialmux.NewLineListener(serialmux.LineListenerConfig{
			Opener:      cfg.SerialOpener,
			Options:     cfg.SerialOptions,
			ReadTimeout: cfg.SerialReadTimeout,
			Handler:     c.HandleSerialData,
		})
	}

	if err := c.udp.StartListening(cfg.ListenPort); err != nil {
		c.listenErr = err
	}
	return c
}

// ListenErr returns the error from the initial bind, if any.
func (c *Controller) ListenErr() error { return c.listenErr }

// UDP exposes the detection listener, e.g. for its bound address.
func (c *Controller) UDP() *network.UDPListener { return c.udp }

// Serial exposes the control-unit link for admin routes.
func (c *Controller) Serial() serialmux.Link { return c.serial }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// SetSensorUnitAddress sets the IP that relayed commands are sent to. An
// empty string disables relaying.
func (c *Controller) SetSensorUnitAddress(ip string) {
	c.sensorMu.Lock()
	c.sensorIP = ip
	c.sensorMu.Unlock()
	monitoring.Logf("Sensor unit IP set to: %s", ip)
}

// SensorUnitAddress returns the configured sensor IP.
func (c *Controller) SensorUnitAddress() string {
	c.sensorMu.RLock()
	defer c.sensorMu.RUnlock()
	return c.sensorIP
}

// ParseDetection decodes "angle,distance". Each field is trimmed and must be
// a complete float; any other shape is an error.
func ParseDetection(payload []byte) (radar.Detection, error) {
	fields := strings.Split(string(payload), ",")
	if len(fields) != 2 {
		return radar.Detection{}, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedDetection, len(fields))
	}
	angle, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return radar.Detection{}, fmt.Errorf("%w: angle: %v", ErrMalformedDetection, err)
	}
	distance, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return radar.Detection{}, fmt.Errorf("%w: distance: %v", ErrMalformedDetection, err)
	}
	return radar.Detection{AngleDeg: angle, Distance: distance}, nil
}

// HandleUDPData records one detection datagram. Malformed payloads are
// dropped and counted. The sensor reports where it is pointing with every
// detection, so the sweep angle follows each accepted one.
func (c *Controller) HandleUDPData(payload []byte) {
	d, err := ParseDetection(payload)
	if err == nil && !c.model.AddDetection(d.AngleDeg, d.Distance) {
		err = fmt.Errorf("%w: non-finite value", ErrMalformedDetection)
	}
	if err != nil {
		c.malformed.Add(1)
		c.cfg.Stats.AddDropped()
		monitoring.Debugf("dropping datagram %q: %v", payload, err)
		return
	}
	c.model.SetCurrentSweepAngle(d.AngleDeg)
	c.detections.Add(1)
}

// HandleSerialData handles one control-link line. Lines carrying the command
// prefix are relayed to the sensor unit; everything else is ignored.
func (c *Controller) HandleSerialData(line []byte) {
	c.serialLines.Add(1)
	if !utf8.Valid(line) {
		monitoring.Debugf("ignoring non-UTF-8 control line %q", line)
		return
	}
	message := strings.TrimRight(string(line), "\r\n")
	monitoring.Debugf("Received from control unit: %s", message)

	command, ok := strings.CutPrefix(message, c.cfg.CommandPrefix)
	// a bare prefix carries no command; nothing is sent for it
	if !ok || command == "" {
		return
	}
	c.SendCommandToRadar(command)
}

// SendCommandToRadar relays command to the sensor unit's command port. It is
// a no-op when no sensor IP is set or no send socket exists. The result
// reports whether the datagram was handed to the socket; delivery is not
// confirmed.
func (c *Controller) SendCommandToRadar(command string) bool {
	ip := c.SensorUnitAddress()
	if ip == "" || !c.udp.CanSend() {
		c.commandsSkipped.Add(1)
		return false
	}

	monitoring.Logf("Sending to sensor unit %s: %s", ip, command)
	err := c.udp.SendErr(ip, c.cfg.CommandPort, command)
	if err == nil {
		c.commandsSent.Add(1)
	}
	if c.cfg.Recorder != nil {
		if rerr := c.cfg.Recorder.RecordCommand(ip, command, err == nil); rerr != nil {
			monitoring.Logf("failed to record command: %v", rerr)
		}
	}
	return err == nil
}

// ConnectControlUnit attaches the serial control link at path, replacing any
// link already attached. On failure the link stays detached.
func (c *Controller) ConnectControlUnit(path string) error {
	c.serial.Stop()
	return c.serial.Open(path)
}

// DisconnectControlUnit detaches the serial control link. No serial line is
// handled after it returns.
func (c *Controller) DisconnectControlUnit() {
	c.serial.Stop()
}

// Stats returns the controller's counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Detections:      c.detections.Load(),
		Malformed:       c.malformed.Load(),
		SerialLines:     c.serialLines.Load(),
		CommandsSent:    c.commandsSent.Load(),
		CommandsSkipped: c.commandsSkipped.Load(),
	}
}

// Close stops the serial link then the UDP listener, waiting for both
// goroutines. It is idempotent.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.serial.Close(), c.udp.Close())
	})
	return err
}
