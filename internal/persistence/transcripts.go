package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
)

// SaveTranscript replaces the cached transcript for sessionKey.
func (s *Store) SaveTranscript(ctx context.Context, sessionKey string, entries []chat.Entry) error {
	if sessionKey == "" {
		return errors.New("save transcript: empty session key")
	}
	if entries == nil {
		entries = []chat.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transcript_cache (session_key, entries_json, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET entries_json=excluded.entries_json, updated_at=excluded.updated_at;
		`, sessionKey, string(raw), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the cached transcript for sessionKey. ok is false
// when nothing has been cached yet.
func (s *Store) LoadTranscript(ctx context.Context, sessionKey string) (entries []chat.Entry, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT entries_json FROM transcript_cache WHERE session_key = ?`, sessionKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false, fmt.Errorf("decode transcript %q: %w", sessionKey, err)
	}
	return entries, true, nil
}

// LatestTranscript returns the most recently updated cached transcript.
func (s *Store) LatestTranscript(ctx context.Context) (sessionKey string, entries []chat.Entry, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `
		SELECT session_key, entries_json FROM transcript_cache
		ORDER BY updated_at DESC LIMIT 1
	`).Scan(&sessionKey, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("latest transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return "", nil, false, fmt.Errorf("decode transcript %q: %w", sessionKey, err)
	}
	return sessionKey, entries, true, nil
}

// CacheTranscripts persists every non-empty transcript snapshot published on
// b until ctx is done. Snapshots are superseding, so a dropped publish only
// delays the cache.
func (s *Store) CacheTranscripts(ctx context.Context, b *bus.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe(bus.TopicChatTranscript)
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			snap, ok := ev.Payload.(bus.TranscriptEvent)
			if !ok || snap.SessionKey == "" || len(snap.Entries) == 0 {
				continue
			}
			if err := s.SaveTranscript(ctx, snap.SessionKey, snap.Entries); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("transcript cache write failed", "session_key", snap.SessionKey, "error", err)
			}
		}
	}
}
