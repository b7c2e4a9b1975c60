// Package audit keeps an append-only record of gateway handshake outcomes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawlink/internal/shared"
)

// FileName is the JSONL file written under <home>/logs.
const FileName = "audit.jsonl"

// EventHandshake names handshake records.
const EventHandshake = "gateway.handshake"

// Outcomes recorded for a handshake.
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	DeviceID  string `json:"device_id"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

// Sink receives a copy of each record, e.g. the SQLite handshake_log.
type Sink interface {
	InsertHandshake(ctx context.Context, at time.Time, deviceID, outcome, reason string) error
}

// Log appends records to audit.jsonl and an optional Sink. A nil *Log
// discards records.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	sink     Sink
	now      func() time.Time
	failures atomic.Int64

	writeErrors atomic.Int64
}

// Open creates or appends to <home>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// SetSink mirrors subsequent records into s.
func (l *Log) SetSink(s Sink) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Failures returns the number of failed handshakes recorded since Open.
func (l *Log) Failures() int64 {
	if l == nil {
		return 0
	}
	return l.failures.Load()
}

// WriteErrors returns how many file or sink writes have failed since Open.
func (l *Log) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	return l.writeErrors.Load()
}

// RecordHandshake appends one handshake outcome. The reason is redacted
// before it is written anywhere. Write errors are counted and logged, never
// returned.
func (l *Log) RecordHandshake(ctx context.Context, deviceID, outcome, reason string) {
	if l == nil {
		return
	}
	if outcome == OutcomeFailed {
		l.failures.Add(1)
	}
	reason = shared.Redact(reason)

	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now().UTC()
	if l.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: at.Format(time.RFC3339Nano),
			Event:     EventHandshake,
			DeviceID:  deviceID,
			Outcome:   outcome,
			Reason:    reason,
		})
		if err == nil {
			_, err = l.file.Write(append(b, '\n'))
		}
		if err != nil {
			l.writeErrors.Add(1)
			slog.Warn("audit file write failed", "error", err)
		}
	}
	if l.sink != nil {
		if err := l.sink.InsertHandshake(ctx, at, deviceID, outcome, reason); err != nil {
			l.writeErrors.Add(1)
			slog.Warn("audit sink write failed", "device_id", deviceID, "error", err)
		}
	}
}
