package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/basket/clawlink/internal/protocol"
)

type finals struct {
	calls []string
}

func (f *finals) record(runID, text string) { f.calls = append(f.calls, runID+"="+text) }

func event(state, runID, message string) *protocol.ChatEvent {
	return &protocol.ChatEvent{State: state, RunID: runID, Message: json.RawMessage(message)}
}

func TestReconciler_DeltaReplacesText(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.Apply(event("delta", "r1", `"Hel"`))
	r.Apply(event("delta", "r1", `{"content":[{"type":"text","text":"Hello"}]}`))

	got := r.Entries()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].Text != "Hello" || got[0].Role != RoleAssistant || got[0].RunID != "r1" {
		t.Fatalf("entry = %+v, want assistant Hello", got[0])
	}
}

func TestReconciler_EmptyDeltaIgnored(t *testing.T) {
	r := NewReconciler(nil, nil)
	if r.Apply(event("delta", "r1", `{"content":[]}`)) {
		t.Fatal("empty delta must not change transcript")
	}
	if r.Apply(event("delta", "", `"orphan"`)) {
		t.Fatal("delta without run id must be ignored")
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("entries = %d, want 0", len(r.Entries()))
	}
}

func TestReconciler_FinalIsIdempotent(t *testing.T) {
	f := &finals{}
	r := NewReconciler(nil, f.record)
	r.SetLoading(true)

	r.Apply(event("delta", "r1", `"Hel"`))
	r.Apply(event("final", "r1", `"Hello!"`))
	r.Apply(event("final", "r1", `"Hello!"`))
	r.Apply(event("delta", "r1", `"late"`))

	got := r.Entries()
	if len(got) != 1 || got[0].Text != "Hello!" {
		t.Fatalf("entries = %+v, want single Hello!", got)
	}
	if len(f.calls) != 1 || f.calls[0] != "r1=Hello!" {
		t.Fatalf("final side effects = %v, want exactly one", f.calls)
	}
	if r.Loading() {
		t.Fatal("final must clear loading")
	}
}

func TestReconciler_FinalFallsBackToStreamedText(t *testing.T) {
	f := &finals{}
	r := NewReconciler(nil, f.record)
	r.Apply(event("delta", "r1", `"partial answer"`))
	r.Apply(event("final", "r1", ``))

	got := r.Entries()
	if len(got) != 1 || got[0].Text != "partial answer" {
		t.Fatalf("entries = %+v", got)
	}
	if len(f.calls) != 1 || f.calls[0] != "r1=partial answer" {
		t.Fatalf("final side effects = %v", f.calls)
	}
}

func TestReconciler_FinalWithoutDeltaAppends(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.AppendUser("hi")
	r.Apply(event("final", "r2", `[{"type":"text","text":"Hey"}]`))
	got := r.Entries()
	if len(got) != 2 || got[1].Text != "Hey" || got[1].RunID != "r2" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestReconciler_ErrorEntry(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetLoading(true)
	r.Apply(event("delta", "r1", `"thinking"`))
	r.Apply(&protocol.ChatEvent{State: "error", RunID: "r1", ErrorMessage: "model overloaded"})
	r.Apply(event("final", "r1", `"too late"`))

	got := r.Entries()
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want partial + error", got)
	}
	if !got[1].IsError || got[1].Text != "model overloaded" {
		t.Fatalf("error entry = %+v", got[1])
	}
	if r.Loading() {
		t.Fatal("error must clear loading")
	}

	r.Apply(&protocol.ChatEvent{State: "error", RunID: "r9"})
	if last := r.Entries()[2]; last.Text != runFailedText {
		t.Fatalf("fallback error text = %q", last.Text)
	}
}

func TestReconciler_UserEvent(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.Apply(&protocol.ChatEvent{State: "user", Message: json.RawMessage(`"from phone"`)})
	r.Apply(&protocol.ChatEvent{State: "final", Role: "user", RunID: "u1", Message: json.RawMessage(`{"content":"again"}`)})
	got := r.Entries()
	if len(got) != 2 || got[0].Role != RoleUser || got[1].Text != "again" || got[1].RunID != "" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestReconciler_IgnoresOtherSessions(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetSessionKey("agent:main:main")
	ev := event("delta", "r1", `"x"`)
	ev.SessionKey = "agent:other:main"
	if r.Apply(ev) {
		t.Fatal("event for another session must be ignored")
	}
	ev.SessionKey = "agent:main:main"
	if !r.Apply(ev) {
		t.Fatal("event for the active session must apply")
	}
}

func TestReconciler_SendErrorRendering(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.SetLoading(true)
	r.AppendSendError(errors.New("gateway not connected"), true)
	r.AppendSendError(errors.New("boom"), false)
	got := r.Entries()
	if !got[0].IsError || got[0].Text != "gateway not connected" {
		t.Fatalf("flagged entry = %+v", got[0])
	}
	if got[1].IsError || got[1].Text != "Error: boom" {
		t.Fatalf("plain entry = %+v", got[1])
	}
	if r.Loading() {
		t.Fatal("send error must clear loading")
	}
}

func TestReconciler_SeedHistoryReplaces(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.AppendUser("stale")
	r.Apply(event("delta", "r1", `"streaming"`))
	r.SeedHistory(protocol.ChatHistoryResult{Messages: []protocol.HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{Role: "tool", Content: json.RawMessage(`"ignored"`)},
		{Role: "assistant", Content: json.RawMessage(`[{"type":"text","text":"Hi there"}]`)},
		{Role: "assistant", Content: json.RawMessage(`[]`)},
	}}, r.Mark())
	got := r.Entries()
	if len(got) != 2 || got[0].Text != "hello" || got[1].Text != "Hi there" {
		t.Fatalf("entries = %+v", got)
	}
	// Stream state was dropped, so the next delta opens a new entry.
	r.Apply(event("delta", "r1", `"streaming more"`))
	if n := len(r.Entries()); n != 3 {
		t.Fatalf("entries = %d, want 3", n)
	}
}

func TestReconciler_SeedHistoryKeepsEntriesAfterMark(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.AppendUser("cached")
	mark := r.Mark()

	// A send and a streaming reply land before the history reply.
	r.AppendUser("hello")
	r.Apply(event("delta", "r1", `"Hel"`))
	r.SeedHistory(protocol.ChatHistoryResult{Messages: []protocol.HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"earlier"`)},
		{Role: "assistant", Content: json.RawMessage(`"earlier reply"`)},
	}}, mark)

	// The open run still points at its own entry.
	r.Apply(event("final", "r1", `"Hello!"`))

	got := r.Entries()
	want := []Entry{
		{Role: RoleUser, Text: "earlier"},
		{Role: RoleAssistant, Text: "earlier reply"},
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant, Text: "Hello!", RunID: "r1"},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReconciler_SeedHistoryMarkOutOfRange(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.AppendUser("one")
	r.SeedHistory(protocol.ChatHistoryResult{Messages: []protocol.HistoryMessage{
		{Role: "assistant", Content: json.RawMessage(`"from history"`)},
	}}, 5)
	got := r.Entries()
	if len(got) != 1 || got[0].Text != "from history" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestReconciler_UserEventForFinalizedRunDiscarded(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.Apply(event("final", "r1", `"done"`))

	if r.Apply(event("user", "r1", `"late"`)) {
		t.Fatal("user event for a finalized run must be discarded")
	}
	late := &protocol.ChatEvent{State: "delta", Role: "user", RunID: "r1", Message: json.RawMessage(`"late"`)}
	if r.Apply(late) {
		t.Fatal("user-role event for a finalized run must be discarded")
	}
	if n := len(r.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	// User events without a run id are still appended.
	if !r.Apply(event("user", "", `"typed elsewhere"`)) {
		t.Fatal("user event without run id should append")
	}
}

func TestReconciler_ResetRunsKeepsFinalized(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.Apply(event("final", "r1", `"done"`))
	r.Apply(event("delta", "r2", `"mid"`))
	r.SetLoading(true)
	r.ResetRuns()
	if r.Loading() {
		t.Fatal("ResetRuns must clear loading")
	}
	if r.Apply(event("final", "r1", `"done"`)) {
		t.Fatal("finalized run must stay finalized across reconnects")
	}
	r.Apply(event("delta", "r2", `"mid again"`))
	if n := len(r.Entries()); n != 3 {
		t.Fatalf("entries = %d, want 3", n)
	}
}

func TestReconciler_EntriesIsCopy(t *testing.T) {
	r := NewReconciler(nil, nil)
	r.AppendUser("a")
	snap := r.Entries()
	snap[0].Text = "mutated"
	if r.Entries()[0].Text != "a" {
		t.Fatal("Entries must return a copy")
	}
}
