package store

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/timeutil"
)

// SnapshotSource produces grid snapshots. *radar.Model implements it.
type SnapshotSource interface {
	Snapshot() radar.Snapshot
}

// Persister periodically saves a grid snapshot and saves once more when it
// stops.
type Persister struct {
	store    *Store
	source   SnapshotSource
	sensorID string
	interval time.Duration
	clock    timeutil.Clock
}

// NewPersister creates a persister. A non-positive interval disables the
// periodic saves; the final save on shutdown still happens.
func NewPersister(store *Store, source SnapshotSource, sensorID string, interval time.Duration, clock timeutil.Clock) *Persister {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Persister{
		store:    store,
		source:   source,
		sensorID: sensorID,
		interval: interval,
		clock:    clock,
	}
}

// PersistNow saves the current grid immediately.
func (p *Persister) PersistNow(ctx context.Context, reason string) (string, error) {
	snap := p.source.Snapshot()
	id, err := p.store.SaveSnapshot(ctx, p.sensorID, snap, reason)
	if err != nil {
		return "", err
	}
	monitoring.Debugf("[persist] saved grid snapshot %s for %s (%s)", id, p.sensorID, reason)
	return id, nil
}

// Run saves on every interval until ctx is done, then saves once more.
func (p *Persister) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; give the final write its own deadline
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.PersistNow(final, "shutdown"); err != nil {
				monitoring.Logf("[persist] final snapshot failed: %v", err)
				return err
			}
			return nil
		case <-tick:
			if _, err := p.PersistNow(ctx, "periodic"); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("[persist] periodic snapshot failed: %v", err)
			}
		}
	}
}

// RestoreLatest loads the stored snapshot for sensorID into model. It
// reports false without error when nothing is stored.
func RestoreLatest(ctx context.Context, store *Store, model *radar.Model, sensorID string) (bool, error) {
	rec, err := store.LatestSnapshot(ctx, sensorID)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := model.Restore(rec.Snapshot); err != nil {
		return false, err
	}
	monitoring.Logf("[persist] restored grid snapshot %s taken %s", rec.ID, rec.Snapshot.TakenAt.Format(time.RFC3339))
	return true, nil
}
