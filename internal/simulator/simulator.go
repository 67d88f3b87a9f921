// Package simulator drives a radar grid without hardware. It sweeps back and
// forth across an arc like the sensor unit's servo and reports a detection
// at the current angle on a fixed cadence.
package simulator

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/timeutil"
)

// Defaults match the sensor firmware: one degree every 20ms over 0-180.
const (
	DefaultSweepRate         = 50.0 // degrees per second
	DefaultMinAngle          = 0.0
	DefaultMaxAngle          = 180.0
	DefaultDetectionInterval = 20 * time.Millisecond
	DefaultTickInterval      = 20 * time.Millisecond

	// OutOfRange is what the sensor reports when nothing echoes back.
	OutOfRange = 1.0
)

// Target is a simulated reflector. It is seen whenever the sweep is within
// HalfWidthDeg of AngleDeg.
type Target struct {
	AngleDeg     float64 `json:"angle_deg" yaml:"angle_deg"`
	Distance     float64 `json:"distance" yaml:"distance"`
	HalfWidthDeg float64 `json:"half_width_deg" yaml:"half_width_deg"`
}

// DefaultTargets gives the empty-room simulation something to show.
var DefaultTargets = []Target{
	{AngleDeg: 40, Distance: 0.35, HalfWidthDeg: 6},
	{AngleDeg: 95, Distance: 0.7, HalfWidthDeg: 10},
	{AngleDeg: 150, Distance: 0.2, HalfWidthDeg: 4},
}

// Config tunes a Simulator. Zero values select the defaults.
type Config struct {
	SweepRate         float64
	MinAngle          float64
	MaxAngle          float64
	DetectionInterval time.Duration
	TickInterval      time.Duration
	Targets           []Target
	// RangeNoise is the standard deviation added to target distances.
	RangeNoise float64
	Seed       uint64
	Clock      timeutil.Clock
}

// Simulator advances a simulated sweep and feeds detections to a grid.
type Simulator struct {
	grid  radar.Grid
	cfg   Config
	noise distuv.Normal

	mu             sync.Mutex
	sweepDeg       float64
	direction      float64
	lastTick       time.Time
	sinceDetection time.Duration
	emitted        uint64
}

// New returns a simulator positioned at MinAngle, sweeping upwards.
func New(grid radar.Grid, cfg Config) *Simulator {
	if cfg.SweepRate <= 0 {
		cfg.SweepRate = DefaultSweepRate
	}
	if cfg.MaxAngle <= cfg.MinAngle {
		cfg.MinAngle, cfg.MaxAngle = DefaultMinAngle, DefaultMaxAngle
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = DefaultDetectionInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Targets == nil {
		cfg.Targets = DefaultTargets
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Simulator{
		grid: grid,
		cfg:  cfg,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: math.Max(cfg.RangeNoise, 0),
			Src:   rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
		},
		sweepDeg:  cfg.MinAngle,
		direction: 1,
	}
}

// Run ticks the simulator until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	monitoring.Logf("Simulator: sweeping %.0f-%.0f deg at %.0f deg/s", s.cfg.MinAngle, s.cfg.MaxAngle, s.cfg.SweepRate)
	s.Tick(s.cfg.Clock.Now())

	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			s.Tick(now)
		}
	}
}

// Tick advances the sweep to now, publishes the sweep angle and emits any
// detection that has come due. The first call only establishes the time
// base. At most one detection is emitted per tick.
func (s *Simulator) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastTick.IsZero() {
		s.lastTick = now
		s.grid.SetCurrentSweepAngle(s.sweepDeg)
		return
	}
	dt := now.Sub(s.lastTick)
	if dt <= 0 {
		return
	}
	s.lastTick = now

	s.advance(dt.Seconds() * s.cfg.SweepRate)
	s.grid.SetCurrentSweepAngle(s.sweepDeg)

	s.sinceDetection += dt
	if s.sinceDetection < s.cfg.DetectionInterval {
		return
	}
	s.sinceDetection -= s.cfg.DetectionInterval
	if s.sinceDetection >= s.cfg.DetectionInterval {
		// after a stall, resume the cadence instead of bursting
		s.sinceDetection = 0
	}

	if s.grid.AddDetection(s.sweepDeg, s.rangeAt(s.sweepDeg)) {
		s.emitted++
	}
}

// advance moves the sweep by deg, reflecting off both ends of the arc.
func (s *Simulator) advance(deg float64) {
	span := s.cfg.MaxAngle - s.cfg.MinAngle
	deg = math.Mod(deg, 2*span)
	pos := s.sweepDeg + s.direction*deg
	for pos > s.cfg.MaxAngle || pos < s.cfg.MinAngle {
		if pos > s.cfg.MaxAngle {
			pos = 2*s.cfg.MaxAngle - pos
		} else {
			pos = 2*s.cfg.MinAngle - pos
		}
		s.direction = -s.direction
	}
	s.sweepDeg = pos
}

// rangeAt returns the nearest target distance visible at angle, or
// OutOfRange.
func (s *Simulator) rangeAt(angle float64) float64 {
	best := OutOfRange
	for _, t := range s.cfg.Targets {
		if math.Abs(angle-t.AngleDeg) > t.HalfWidthDeg {
			continue
		}
		d := t.Distance
		if s.noise.Sigma > 0 {
			d += s.noise.Rand()
		}
		d = math.Min(math.Max(d, 0), OutOfRange)
		if d < best {
			best = d
		}
	}
	return best
}

// SweepAngle returns the simulated servo position.
func (s *Simulator) SweepAngle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepDeg
}

// Emitted returns how many detections the grid accepted.
func (s *Simulator) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}
