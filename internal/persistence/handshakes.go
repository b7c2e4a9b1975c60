package persistence

import (
	"context"
	"fmt"
	"time"
)

// HandshakeRecord is one row of handshake_log.
type HandshakeRecord struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	DeviceID  string    `json:"device_id"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// InsertHandshake appends a handshake outcome. outcome is "connected" or
// "failed".
func (s *Store) InsertHandshake(ctx context.Context, at time.Time, deviceID, outcome, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO handshake_log (created_at, device_id, outcome, reason)
			VALUES (?, ?, ?, ?);
		`, at.UTC(), deviceID, outcome, reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert handshake: %w", err)
	}
	return nil
}

// RecentHandshakes returns up to limit rows, newest first.
func (s *Store) RecentHandshakes(ctx context.Context, limit int) ([]HandshakeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, device_id, outcome, reason
		FROM handshake_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent handshakes: %w", err)
	}
	defer rows.Close()

	var out []HandshakeRecord
	for rows.Next() {
		var r HandshakeRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.DeviceID, &r.Outcome, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan handshake: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("handshake rows: %w", err)
	}
	return out, nil
}
