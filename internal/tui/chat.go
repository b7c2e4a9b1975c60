// Package tui renders the gateway chat: a bubbletea view for terminals and a
// plain line mode for pipes.
package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
	"github.com/basket/clawlink/internal/client"
)

// Session is the part of the client the chat views drive.
type Session interface {
	SendMessage(ctx context.Context, text string) error
	Status() client.Status
	Transcript() client.Transcript
}

// ChatConfig holds the dependencies for both chat views.
type ChatConfig struct {
	Session Session
	Bus     *bus.Bus // nil falls back to polling
	Title   string
	Logger  *slog.Logger
}

const (
	defaultTitle = "clawlink"
	pollInterval = 250 * time.Millisecond
)

const helpText = `Commands:
  /help     Show this help message
  /status   Show connection status
  /quit     Exit (also /exit, Ctrl+D)`

func (cc ChatConfig) title() string {
	if cc.Title == "" {
		return defaultTitle
	}
	return cc.Title
}

func (cc ChatConfig) logger() *slog.Logger {
	if cc.Logger == nil {
		return slog.Default()
	}
	return cc.Logger
}

// entryLabel is the plain-text speaker label of an entry.
func entryLabel(e chat.Entry) string {
	switch {
	case e.IsError:
		return "Error"
	case e.Role == chat.RoleUser:
		return "You"
	default:
		return "Agent"
	}
}

func formatEntry(e chat.Entry) string {
	return entryLabel(e) + ": " + e.Text
}

func describeStatus(st client.Status) string {
	var b strings.Builder
	if st.Connected {
		fmt.Fprintf(&b, "connected to %s", st.SessionKey)
	} else {
		fmt.Fprintf(&b, "%s (attempt %d)", st.State, st.Attempt)
	}
	if st.DeviceID != "" {
		fmt.Fprintf(&b, " as %.12s", st.DeviceID)
	}
	if !st.Connected && st.LastError != "" {
		fmt.Fprintf(&b, ": %s", st.LastError)
	}
	return b.String()
}

// RunLines runs a line-oriented chat: one message per input line, settled
// transcript entries printed as they complete. Lines are held until the
// client has connected and loaded history, and sent one run at a time.
// It returns after input ends and the last reply has settled, on /quit,
// or when ctx is done.
func RunLines(ctx context.Context, cc ChatConfig, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var events <-chan bus.Event
	if cc.Bus != nil {
		sub := cc.Bus.Subscribe("")
		defer cc.Bus.Unsubscribe(sub)
		events = sub.Ch()
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	p := newLinePrinter(out, cc.Session.Transcript())
	var pending []string
	eof := false
	for {
		snap := cc.Session.Transcript()
		p.update(snap)

		st := cc.Session.Status()
		if len(pending) > 0 && st.Connected && snap.HistoryLoaded && !snap.Loading {
			text := pending[0]
			pending = pending[1:]
			if err := cc.Session.SendMessage(ctx, text); err != nil {
				cc.logger().Debug("line chat send failed", "error", err)
			}
			continue
		}
		if eof && len(pending) == 0 && !snap.Loading {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				eof = true
				lines = nil
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if handleCommand(line, cc.Session, out) {
					return nil
				}
				continue
			}
			pending = append(pending, line)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-tick.C:
		}
	}
}

// handleCommand processes a slash command. Returns true if the chat should exit.
func handleCommand(line string, s Session, out io.Writer) bool {
	cmd := strings.ToLower(strings.Fields(line)[0])
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, helpText)
	case "/status":
		fmt.Fprintln(out, describeStatus(s.Status()))
	default:
		fmt.Fprintf(out, "Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false
}

// linePrinter prints each transcript entry once it has settled. History
// loaded on (re)connect is treated as already seen.
type linePrinter struct {
	out        io.Writer
	printed    int
	historySet bool
}

func newLinePrinter(out io.Writer, snap client.Transcript) *linePrinter {
	return &linePrinter{out: out, printed: len(snap.Entries), historySet: snap.HistoryLoaded}
}

func (p *linePrinter) update(snap client.Transcript) {
	if !snap.HistoryLoaded {
		p.historySet = false
	} else if !p.historySet {
		p.historySet = true
		p.printed = len(snap.Entries)
		return
	}
	if len(snap.Entries) < p.printed {
		p.printed = len(snap.Entries)
	}
	if snap.Loading {
		return
	}
	for _, e := range snap.Entries[p.printed:] {
		fmt.Fprintln(p.out, formatEntry(e))
	}
	p.printed = len(snap.Entries)
}
