package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTranscripts int64 `json:"purged_transcripts"`
	PurgedHandshakes  int64 `json:"purged_handshakes"`
}

// RunRetention deletes cached transcripts and handshake rows not updated in
// the last days days. days <= 0 disables the purge. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	return s.purgeBefore(ctx, time.Now().UTC().AddDate(0, 0, -days))
}

func (s *Store) purgeBefore(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult

	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript_cache WHERE updated_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge transcript_cache: %w", err)
	}
	result.PurgedTranscripts, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM handshake_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge handshake_log: %w", err)
	}
	result.PurgedHandshakes, _ = res.RowsAffected()

	return result, nil
}
