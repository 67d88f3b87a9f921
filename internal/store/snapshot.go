package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/radarhub/internal/radar"
)

// ErrNoSnapshot is returned when a sensor has no stored snapshot.
var ErrNoSnapshot = errors.New("no grid snapshot stored")

// SnapshotRecord is a stored grid snapshot plus its metadata.
type SnapshotRecord struct {
	ID       string
	SensorID string
	Reason   string
	Snapshot radar.Snapshot
}

// serializeHits compresses per-cell hit times using gob encoding and gzip
// compression.
func serializeHits(hits []int64) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(hits); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeHits decompresses and decodes hit times from a gob+gzip blob.
func deserializeHits(blob []byte) ([]int64, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var hits []int64
	if err := gob.NewDecoder(gz).Decode(&hits); err != nil {
		return nil, fmt.Errorf("failed to decode grid cells: %w", err)
	}
	return hits, nil
}

// SaveSnapshot replaces the stored snapshot for sensorID and returns the new
// snapshot ID. Older snapshots are not kept.
func (s *Store) SaveSnapshot(ctx context.Context, sensorID string, snap radar.Snapshot, reason string) (string, error) {
	if len(snap.HitUnixNanos) != snap.AngularRes*snap.RadialRes {
		return "", fmt.Errorf("snapshot has %d cells, want %d", len(snap.HitUnixNanos), snap.AngularRes*snap.RadialRes)
	}
	blob, err := serializeHits(snap.HitUnixNanos)
	if err != nil {
		return "", fmt.Errorf("failed to encode grid: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grid_snapshot (
			sensor_id, snapshot_id, angular_res, radial_res, sweep_deg,
			taken_unix_nanos, reason, grid_blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			angular_res = excluded.angular_res,
			radial_res = excluded.radial_res,
			sweep_deg = excluded.sweep_deg,
			taken_unix_nanos = excluded.taken_unix_nanos,
			reason = excluded.reason,
			grid_blob = excluded.grid_blob`,
		sensorID, id, snap.AngularRes, snap.RadialRes, snap.SweepDeg,
		snap.TakenAt.UnixNano(), reason, blob,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save grid snapshot: %w", err)
	}
	return id, nil
}

// LatestSnapshot returns the stored snapshot for sensorID, or ErrNoSnapshot.
func (s *Store) LatestSnapshot(ctx context.Context, sensorID string) (*SnapshotRecord, error) {
	var (
		rec   SnapshotRecord
		taken int64
		blob  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, sensor_id, reason, angular_res, radial_res, sweep_deg, taken_unix_nanos, grid_blob
		FROM grid_snapshot WHERE sensor_id = ?`, sensorID,
	).Scan(&rec.ID, &rec.SensorID, &rec.Reason, &rec.Snapshot.AngularRes, &rec.Snapshot.RadialRes,
		&rec.Snapshot.SweepDeg, &taken, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grid snapshot: %w", err)
	}

	hits, err := deserializeHits(blob)
	if err != nil {
		return nil, err
	}
	rec.Snapshot.TakenAt = time.Unix(0, taken)
	rec.Snapshot.HitUnixNanos = hits
	return &rec, nil
}

// DeleteSnapshot removes the stored snapshot for sensorID.
func (s *Store) DeleteSnapshot(ctx context.Context, sensorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grid_snapshot WHERE sensor_id = ?`, sensorID)
	return err
}
