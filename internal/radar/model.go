// Package radar owns the polar occupancy grid fed by the sensor unit.
//
// The grid is AngularRes sectors by RadialRes rings. Each cell records the
// instant it was last hit; consumers read the age of every cell and treat it
// as a decay signal. Producers (the controller, the simulator, pcap replay)
// and consumers (HTTP monitor, snapshot persister) share one *Model.
//
// No transport or SQL code is allowed in this package.
package radar

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/radarhub/internal/timeutil"
)

const (
	DefaultAngularResolution = 30
	DefaultRadialResolution  = 4

	// NeverHitAge is how far in the past untouched cells are placed so that
	// a fresh grid reads as fully decayed instead of freshly hit.
	NeverHitAge = time.Hour
)

// Detection is one measurement reported by the sensor unit. Distance is
// normalised to the sensor's range, 0 at the sensor and 1 at maximum range.
type Detection struct {
	AngleDeg float64 `json:"angle_deg"`
	Distance float64 `json:"distance"`
}

// Grid is the set of operations producers and consumers use on the shared
// radar state.
type Grid interface {
	// AddDetection records a hit at the cell covering (angleDeg, distance).
	// It reports false when the measurement was rejected.
	AddDetection(angleDeg, distance float64) bool
	// SetCurrentSweepAngle stores the sensor's last reported orientation.
	SetCurrentSweepAngle(deg float64)
	// CellHitTimes returns the seconds elapsed since each cell was last hit,
	// row-major by angular sector then radial ring.
	CellHitTimes() []float64
	// CurrentSweepAngle returns the last stored sweep angle.
	CurrentSweepAngle() float64
	// ClearHits resets every cell to the never-hit state.
	ClearHits()
}

// Model is the concurrency-safe implementation of Grid. The grid cells and
// the sweep angle share one lock; it is held for a single grid operation and
// never across I/O.
type Model struct {
	angularRes int
	radialRes  int
	clock      timeutil.Clock

	mu       sync.RWMutex
	lastHit  []time.Time // len = angularRes * radialRes
	sweepDeg float64
	accepted uint64
	rejected uint64
}

var _ Grid = (*Model)(nil)

// Option configures a Model at construction.
type Option func(*Model)

// WithClock replaces the wall/monotonic clock used for hit instants.
func WithClock(c timeutil.Clock) Option {
	return func(m *Model) {
		if c != nil {
			m.clock = c
		}
	}
}

// New creates a grid of angular x radial cells. Non-positive dimensions fall
// back to the defaults (30 x 4).
func New(angular, radial int, opts ...Option) *Model {
	if angular <= 0 {
		angular = DefaultAngularResolution
	}
	if radial <= 0 {
		radial = DefaultRadialResolution
	}
	m := &Model{
		angularRes: angular,
		radialRes:  radial,
		clock:      timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.lastHit = make([]time.Time, angular*radial)
	m.resetLocked(m.clock.Now())
	return m
}

// Dimensions returns the angular and radial resolution.
func (m *Model) Dimensions() (angular, radial int) {
	return m.angularRes, m.radialRes
}

// CellCount is angular * radial resolution.
func (m *Model) CellCount() int {
	return m.angularRes * m.radialRes
}

// Idx flattens (angular, radial) into the cell slice: a*RadialRes + r.
func (m *Model) Idx(angularIdx, radialIdx int) int {
	return angularIdx*m.radialRes + radialIdx
}

// CellIndex applies the bucketing policy without touching the grid. The
// boolean is false for NaN or infinite input.
func (m *Model) CellIndex(angleDeg, distance float64) (int, bool) {
	a, r, ok := m.bucket(angleDeg, distance)
	if !ok {
		return 0, false
	}
	return m.Idx(a, r), true
}

// bucket maps a measurement to (angular, radial) indices. Angles wrap into
// [0,360); distance clamps to [0,1] and 1.0 lands in the outermost ring.
func (m *Model) bucket(angleDeg, distance float64) (int, int, bool) {
	if math.IsNaN(angleDeg) || math.IsInf(angleDeg, 0) ||
		math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, 0, false
	}

	angle := NormalizeAngle(angleDeg)
	a := int(math.Floor(angle / 360.0 * float64(m.angularRes)))
	a = clampIndex(a, m.angularRes)

	d := math.Min(1.0, math.Max(0.0, distance))
	r := int(math.Floor(d * float64(m.radialRes)))
	r = clampIndex(r, m.radialRes)

	return a, r, true
}

// NormalizeAngle maps any finite angle in degrees into [0,360).
func NormalizeAngle(deg float64) float64 {
	a := math.Mod(deg, 360.0)
	if a < 0 {
		a += 360.0
	}
	// tiny negative inputs round up to exactly 360 after the addition
	if a >= 360.0 {
		a = 0
	}
	return a
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// AddDetection records a hit. NaN or infinite angle/distance is rejected and
// leaves the grid untouched.
func (m *Model) AddDetection(angleDeg, distance float64) bool {
	a, r, ok := m.bucket(angleDeg, distance)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.rejected++
		return false
	}
	m.lastHit[m.Idx(a, r)] = m.clock.Now()
	m.accepted++
	return true
}

// SetCurrentSweepAngle stores deg as given; last write wins.
func (m *Model) SetCurrentSweepAngle(deg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepDeg = deg
}

// CellHitTimes snapshots every cell's age in seconds into a fresh slice.
func (m *Model) CellHitTimes() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]float64, len(m.lastHit))
	for i, t := range m.lastHit {
		out[i] = now.Sub(t).Seconds()
	}
	return out
}

// CurrentSweepAngle returns the last stored sweep angle in degrees.
func (m *Model) CurrentSweepAngle() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sweepDeg
}

// ClearHits puts every cell back at the never-hit sentinel. The sweep angle
// is left alone.
func (m *Model) ClearHits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(m.clock.Now())
}

func (m *Model) resetLocked(now time.Time) {
	never := now.Add(-NeverHitAge)
	for i := range m.lastHit {
		m.lastHit[i] = never
	}
}

// Stats counts detections seen by the grid.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns the accepted/rejected detection counters.
func (m *Model) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Accepted: m.accepted, Rejected: m.rejected}
}
