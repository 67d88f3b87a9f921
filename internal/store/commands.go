package store

import (
	"context"
	"fmt"
	"time"
)

// CommandRecord is one relayed command.
type CommandRecord struct {
	ID         int64     `json:"id"`
	SensorIP   string    `json:"sensor_ip"`
	Command    string    `json:"command"`
	Sent       bool      `json:"sent"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordCommand appends a relayed command to the log and trims the log to
// its retention limit.
func (s *Store) RecordCommand(sensorIP, command string, sent bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO command_log (sensor_ip, command, sent, recorded_unix_nanos) VALUES (?, ?, ?, ?)`,
		sensorIP, command, sent, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM command_log WHERE command_id NOT IN (
			SELECT command_id FROM command_log ORDER BY command_id DESC LIMIT ?)`,
		s.commandLogLimit,
	); err != nil {
		return fmt.Errorf("failed to trim command log: %w", err)
	}
	return tx.Commit()
}

// RecentCommands returns up to limit commands, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, sensor_ip, command, sent, recorded_unix_nanos
		FROM command_log ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec      CommandRecord
			recorded int64
		)
		if err := rows.Scan(&rec.ID, &rec.SensorIP, &rec.Command, &rec.Sent, &recorded); err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(0, recorded)
		out = append(out, rec)
	}
	return out, rows.Err()
}
