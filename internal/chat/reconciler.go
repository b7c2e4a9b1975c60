// Package chat folds the gateway's streaming chat events into an ordered
// transcript.
package chat

import (
	"log/slog"
	"strings"

	"github.com/basket/clawlink/internal/protocol"
)

// Role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one transcript line. RunID is empty for entries not tied to a run.
type Entry struct {
	Role    Role   `json:"role"`
	Text    string `json:"text"`
	IsError bool   `json:"is_error,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// FinalFunc fires once per run, on its first finalization, with the final text.
type FinalFunc func(runID, text string)

const runFailedText = "The agent run failed."

// Reconciler is not safe for concurrent use; its owner serializes access.
type Reconciler struct {
	logger     *slog.Logger
	onFinal    FinalFunc
	sessionKey string

	entries   []Entry
	streaming map[string]int
	finalized map[string]struct{}
	spoken    map[string]struct{}
	loading   bool
}

// NewReconciler returns an empty reconciler. onFinal may be nil.
func NewReconciler(logger *slog.Logger, onFinal FinalFunc) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:    logger,
		onFinal:   onFinal,
		streaming: make(map[string]int),
		finalized: make(map[string]struct{}),
		spoken:    make(map[string]struct{}),
	}
}

// SetSessionKey sets the active session; events for other sessions are ignored.
func (r *Reconciler) SetSessionKey(key string) { r.sessionKey = key }

func (r *Reconciler) SessionKey() string { return r.sessionKey }

func (r *Reconciler) Loading() bool { return r.loading }

func (r *Reconciler) SetLoading(v bool) { r.loading = v }

// Entries returns a copy of the transcript.
func (r *Reconciler) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Apply folds one chat event into the transcript and reports whether the
// transcript or loading flag changed.
func (r *Reconciler) Apply(ev *protocol.ChatEvent) bool {
	if ev == nil {
		return false
	}
	if ev.SessionKey != "" && r.sessionKey != "" && ev.SessionKey != r.sessionKey {
		r.logger.Debug("ignoring chat event for other session", "session_key", ev.SessionKey, "run_id", ev.RunID)
		return false
	}
	if ev.RunID != "" {
		if _, done := r.finalized[ev.RunID]; done {
			return false
		}
	}
	if ev.State == protocol.ChatStateUser || ev.Role == string(RoleUser) {
		return r.applyUser(ev)
	}
	switch ev.State {
	case protocol.ChatStateDelta:
		return r.applyDelta(ev)
	case protocol.ChatStateFinal:
		return r.applyFinal(ev)
	case protocol.ChatStateError:
		return r.applyError(ev)
	default:
		r.logger.Debug("ignoring chat event with unknown state", "state", ev.State, "run_id", ev.RunID)
		return false
	}
}

func (r *Reconciler) applyUser(ev *protocol.ChatEvent) bool {
	text := protocol.ExtractText(ev.Message)
	if text == "" {
		return false
	}
	r.entries = append(r.entries, Entry{Role: RoleUser, Text: text})
	return true
}

// Deltas carry the cumulative text so far; the entry is replaced, not appended to.
func (r *Reconciler) applyDelta(ev *protocol.ChatEvent) bool {
	if ev.RunID == "" {
		return false
	}
	text := protocol.ExtractText(ev.Message)
	if text == "" {
		return false
	}
	if idx, ok := r.streaming[ev.RunID]; ok {
		if r.entries[idx].Text == text {
			return false
		}
		r.entries[idx].Text = text
		return true
	}
	r.streaming[ev.RunID] = len(r.entries)
	r.entries = append(r.entries, Entry{Role: RoleAssistant, Text: text, RunID: ev.RunID})
	return true
}

func (r *Reconciler) applyFinal(ev *protocol.ChatEvent) bool {
	text := protocol.ExtractText(ev.Message)
	changed := r.loading
	r.loading = false

	if ev.RunID == "" {
		if text == "" {
			return changed
		}
		r.entries = append(r.entries, Entry{Role: RoleAssistant, Text: text})
		return true
	}

	r.finalized[ev.RunID] = struct{}{}
	idx, streamed := r.streaming[ev.RunID]
	delete(r.streaming, ev.RunID)
	if text == "" && streamed {
		text = r.entries[idx].Text
	}

	switch {
	case streamed && text != "":
		if r.entries[idx].Text != text {
			r.entries[idx].Text = text
			changed = true
		}
	case text != "":
		r.entries = append(r.entries, Entry{Role: RoleAssistant, Text: text, RunID: ev.RunID})
		changed = true
	}

	if _, done := r.spoken[ev.RunID]; !done && text != "" {
		r.spoken[ev.RunID] = struct{}{}
		if r.onFinal != nil {
			r.onFinal(ev.RunID, text)
		}
	}
	return changed
}

func (r *Reconciler) applyError(ev *protocol.ChatEvent) bool {
	r.loading = false
	if ev.RunID != "" {
		r.finalized[ev.RunID] = struct{}{}
		delete(r.streaming, ev.RunID)
	}
	r.entries = append(r.entries, Entry{
		Role:    RoleAssistant,
		Text:    describeRunError(ev),
		IsError: true,
		RunID:   ev.RunID,
	})
	r.logger.Warn("agent run failed", "run_id", ev.RunID, "error", ev.ErrorMessage)
	return true
}

func describeRunError(ev *protocol.ChatEvent) string {
	if msg := strings.TrimSpace(ev.ErrorMessage); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(protocol.ExtractText(ev.Message)); msg != "" {
		return msg
	}
	return runFailedText
}

// AppendUser records a locally sent message.
func (r *Reconciler) AppendUser(text string) {
	r.entries = append(r.entries, Entry{Role: RoleUser, Text: text})
}

// AppendSendError records a failed send. With flagged=false the failure is
// rendered as a plain assistant line prefixed "Error: ".
func (r *Reconciler) AppendSendError(err error, flagged bool) {
	r.loading = false
	msg := "request failed"
	if err != nil {
		msg = err.Error()
	}
	if flagged {
		r.entries = append(r.entries, Entry{Role: RoleAssistant, Text: msg, IsError: true})
		return
	}
	r.entries = append(r.entries, Entry{Role: RoleAssistant, Text: "Error: " + msg})
}

// Mark returns the current transcript position. Entries appended after it
// survive a SeedHistory for that mark.
func (r *Reconciler) Mark() int { return len(r.entries) }

// SeedHistory replaces the entries before mark with the gateway's history
// and keeps everything appended since, after it. Messages with roles other
// than user and assistant, or with no text, are skipped.
func (r *Reconciler) SeedHistory(history protocol.ChatHistoryResult, mark int) {
	entries := make([]Entry, 0, len(history.Messages)+len(r.entries))
	for _, m := range history.Messages {
		role := Role(m.Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		text := protocol.ExtractText(m.Content)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{Role: role, Text: text})
	}
	mark = max(0, min(mark, len(r.entries)))

	// Open runs before the mark are replaced along with their entries.
	shift := len(entries) - mark
	for runID, idx := range r.streaming {
		if idx < mark {
			delete(r.streaming, runID)
			continue
		}
		r.streaming[runID] = idx + shift
	}
	r.entries = append(entries, r.entries[mark:]...)
}

// Restore replaces the transcript with cached entries, e.g. while offline.
func (r *Reconciler) Restore(entries []Entry) {
	r.entries = append([]Entry(nil), entries...)
	r.streaming = make(map[string]int)
}

// ResetRuns drops per-connection streaming state. Finalized runs stay
// finalized so replays after a reconnect are still discarded.
func (r *Reconciler) ResetRuns() {
	r.streaming = make(map[string]int)
	r.loading = false
}
