package tui

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
	"github.com/basket/clawlink/internal/client"
)

func (f *fakeSession) setStatus(st client.Status, historyLoaded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	f.transcript.HistoryLoaded = historyLoaded
}

func runLines(t *testing.T, cc ChatConfig, input string) string {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RunLines(ctx, cc, strings.NewReader(input), &out); err != nil {
		t.Fatalf("RunLines: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("RunLines did not return before the deadline; output:\n%s", out.String())
	}
	return out.String()
}

func TestRunLines_SendsAndPrintsReplies(t *testing.T) {
	s := newFakeSession()
	out := runLines(t, ChatConfig{Session: s}, "hello\n\n/status\nsecond\n")

	want := "You: hello\nAgent: Hello there\nconnected to agent:main:main\nYou: second\nAgent: Hello there\n"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if got := s.sentMessages(); len(got) != 2 || got[0] != "hello" || got[1] != "second" {
		t.Fatalf("sent = %v", got)
	}
}

func TestRunLines_HoldsInputUntilHistoryLoaded(t *testing.T) {
	s := newFakeSession()
	s.setStatus(client.Status{State: "awaiting_challenge", Attempt: 1}, false)
	b := bus.New()

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.setStatus(client.Status{Connected: true, State: "connected", SessionKey: "agent:main:main", Attempt: 1}, true)
		b.Publish(bus.StatusEvent{Connected: true, Attempt: 1})
	}()

	out := runLines(t, ChatConfig{Session: s, Bus: b}, "hello\n")
	if got := s.sentMessages(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %v", got)
	}
	if !strings.Contains(out, "Agent: Hello there") {
		t.Fatalf("reply not printed: %q", out)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestRunLines_QuitStopsEarly(t *testing.T) {
	s := newFakeSession()
	out := runLines(t, ChatConfig{Session: s}, "/quit\nnever sent\n")
	if len(s.sentMessages()) != 0 {
		t.Fatalf("sent = %v, want nothing after /quit", s.sentMessages())
	}
	if out != "" {
		t.Fatalf("output = %q, want empty", out)
	}
}

func TestRunLines_UnknownCommand(t *testing.T) {
	out := runLines(t, ChatConfig{Session: newFakeSession()}, "/bogus\n")
	if !strings.Contains(out, "Unknown command /bogus") {
		t.Fatalf("output = %q", out)
	}
}

func TestRunLines_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunLines(ctx, ChatConfig{Session: newFakeSession()}, pr, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunLines after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunLines did not return after cancel")
	}
}

func TestLinePrinter_SkipsHistoryAndWaitsForSettle(t *testing.T) {
	var out bytes.Buffer
	p := newLinePrinter(&out, client.Transcript{})

	history := []chat.Entry{
		{Role: chat.RoleUser, Text: "old question"},
		{Role: chat.RoleAssistant, Text: "old answer"},
	}
	p.update(client.Transcript{Entries: history, HistoryLoaded: true})
	if out.Len() != 0 {
		t.Fatalf("history printed: %q", out.String())
	}

	streaming := append(append([]chat.Entry(nil), history...),
		chat.Entry{Role: chat.RoleUser, Text: "new"},
		chat.Entry{Role: chat.RoleAssistant, Text: "Hel", RunID: "r1"},
	)
	p.update(client.Transcript{Entries: streaming, HistoryLoaded: true, Loading: true})
	if out.Len() != 0 {
		t.Fatalf("printed while loading: %q", out.String())
	}

	settled := append(append([]chat.Entry(nil), history...),
		chat.Entry{Role: chat.RoleUser, Text: "new"},
		chat.Entry{Role: chat.RoleAssistant, Text: "Hello", RunID: "r1"},
		chat.Entry{Role: chat.RoleAssistant, Text: "rate limited", IsError: true},
	)
	p.update(client.Transcript{Entries: settled, HistoryLoaded: true})
	want := "You: new\nAgent: Hello\nError: rate limited\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}

	// A reconnect reloads history; nothing is reprinted.
	p.update(client.Transcript{Entries: settled[:2]})
	p.update(client.Transcript{Entries: settled, HistoryLoaded: true})
	if out.String() != want {
		t.Fatalf("reconnect reprinted entries: %q", out.String())
	}
}
