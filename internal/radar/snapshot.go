package radar

import (
	"errors"
	"fmt"
	"time"
)

// ErrDimensionMismatch is returned by Restore when a snapshot was taken from
// a grid with a different shape.
var ErrDimensionMismatch = errors.New("snapshot dimensions do not match grid")

// Snapshot is a wall-clock copy of the grid suitable for persistence. Hit
// instants are Unix nanoseconds because monotonic readings do not survive a
// process restart.
type Snapshot struct {
	AngularRes   int
	RadialRes    int
	SweepDeg     float64
	TakenAt      time.Time
	HitUnixNanos []int64 // len = AngularRes * RadialRes, row-major
}

// Snapshot copies the grid under the read lock.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]int64, len(m.lastHit))
	for i, t := range m.lastHit {
		hits[i] = t.UnixNano()
	}
	return Snapshot{
		AngularRes:   m.angularRes,
		RadialRes:    m.radialRes,
		SweepDeg:     m.sweepDeg,
		TakenAt:      m.clock.Now(),
		HitUnixNanos: hits,
	}
}

// Restore replaces the grid contents with a snapshot of the same shape.
// Ages are preserved against the wall clock, capped at NeverHitAge, and hits
// stamped in the future (clock skew between runs) are treated as fresh.
func (m *Model) Restore(s Snapshot) error {
	if s.AngularRes != m.angularRes || s.RadialRes != m.radialRes {
		return fmt.Errorf("%w: have %dx%d, snapshot %dx%d", ErrDimensionMismatch,
			m.angularRes, m.radialRes, s.AngularRes, s.RadialRes)
	}
	if len(s.HitUnixNanos) != m.CellCount() {
		return fmt.Errorf("%w: snapshot has %d cells, want %d", ErrDimensionMismatch,
			len(s.HitUnixNanos), m.CellCount())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	wallNow := now.Round(0) // strip monotonic so Sub compares wall readings
	for i, ns := range s.HitUnixNanos {
		age := wallNow.Sub(time.Unix(0, ns))
		if age < 0 {
			age = 0
		}
		if age > NeverHitAge {
			age = NeverHitAge
		}
		m.lastHit[i] = now.Add(-age)
	}
	m.sweepDeg = s.SweepDeg
	return nil
}
