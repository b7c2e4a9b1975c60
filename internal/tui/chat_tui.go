package tui

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/chat"
	"github.com/basket/clawlink/internal/client"
)

// header, status line and input.
const chromeHeight = 3

type (
	ctxDoneMsg    struct{}
	statusTickMsg struct{}
	busEventMsg   struct{}
	sendResultMsg struct{ err error }
	chatNoticeMsg struct{ text string }
)

type chatModel struct {
	ctx    context.Context
	cc     ChatConfig
	sub    *bus.Subscription
	styles styles

	input textinput.Model
	view  viewport.Model
	spin  spinner.Model

	width  int
	height int

	status     client.Status
	transcript client.Transcript

	notice    string
	noticeErr bool

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int    // 0..len(inputHistory); len = editing new line
	histSaved    string // current draft before entering history
}

func newChatModel(ctx context.Context, cc ChatConfig) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Message the agent (Enter to send, /help for commands)"
	ti.Prompt = "> "
	ti.CharLimit = 8192
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := chatModel{
		ctx:    ctx,
		cc:     cc,
		styles: defaultStyles(),
		input:  ti,
		view:   viewport.New(80, 20),
		spin:   sp,
	}
	if cc.Bus != nil {
		m.sub = cc.Bus.Subscribe("")
	}
	m.refresh()
	return m
}

// RunChat runs the interactive chat view on stdin/stdout until the user
// quits or ctx is done.
func RunChat(ctx context.Context, cc ChatConfig) error {
	// BubbleTea restores the terminal on exit, but an interrupt at the
	// wrong moment can leave ICRNL off.
	defer bestEffortResetTTY()

	m := newChatModel(ctx, cc)
	if m.sub != nil {
		defer cc.Bus.Unsubscribe(m.sub)
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, waitCtxDone(m.ctx), statusTickCmd()}
	if m.sub != nil {
		cmds = append(cmds, waitForBus(m.sub))
	}
	return tea.Batch(cmds...)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return statusTickMsg{} })
}

// waitForBus blocks until any bus event arrives. The model re-reads the
// client snapshots rather than trusting payloads, so dropped events only
// delay a redraw.
func waitForBus(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-sub.Ch(); !ok {
			return nil
		}
		return busEventMsg{}
	}
}

func sendCmd(ctx context.Context, s Session, text string) tea.Cmd {
	return func() tea.Msg {
		return sendResultMsg{err: s.SendMessage(ctx, text)}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-chromeHeight, 1)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 10)
		m.render()
		return m, nil

	case busEventMsg:
		wasLoading := m.transcript.Loading
		m.refresh()
		return m, tea.Batch(waitForBus(m.sub), m.spinIfStarted(wasLoading))

	case statusTickMsg:
		wasLoading := m.transcript.Loading
		m.refresh()
		return m, tea.Batch(statusTickCmd(), m.spinIfStarted(wasLoading))

	case sendResultMsg:
		if msg.err != nil && !errors.Is(msg.err, client.ErrEmptyMessage) {
			m.notice, m.noticeErr = humanError(msg.err), true
		}
		m.refresh()
		return m, nil

	case chatNoticeMsg:
		m.notice, m.noticeErr = msg.text, false
		return m, nil

	case spinner.TickMsg:
		if !m.transcript.Loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter":
		line := strings.TrimSpace(m.input.Value())
		if line == "" {
			return m, nil
		}
		m.input.Reset()
		m.inputHistory = append(m.inputHistory, line)
		m.histIdx = len(m.inputHistory)
		m.histSaved = ""
		if strings.HasPrefix(line, "/") {
			return m.runCommand(line)
		}
		m.notice, m.noticeErr = "", false
		m.transcript.Loading = true
		return m, tea.Batch(sendCmd(m.ctx, m.cc.Session, line), m.spin.Tick)

	case "up":
		return m.historyPrev(), nil

	case "down":
		return m.historyNext(), nil

	case "pgup", "pgdown", "ctrl+u":
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) runCommand(line string) (tea.Model, tea.Cmd) {
	var out strings.Builder
	if handleCommand(line, m.cc.Session, &out) {
		return m, tea.Quit
	}
	text := strings.TrimSpace(out.String())
	return m, func() tea.Msg { return chatNoticeMsg{text: text} }
}

// spinIfStarted restarts the spinner when a reply started loading outside a
// local send, e.g. a run triggered from another client.
func (m chatModel) spinIfStarted(wasLoading bool) tea.Cmd {
	if m.transcript.Loading && !wasLoading {
		return m.spin.Tick
	}
	return nil
}

func (m *chatModel) refresh() {
	m.status = m.cc.Session.Status()
	m.transcript = m.cc.Session.Transcript()
	m.render()
}

func (m *chatModel) render() {
	m.view.SetContent(strings.Join(m.renderTranscriptLines(), "\n"))
	m.view.GotoBottom()
}

func (m chatModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render(m.cc.title()))
	if key := m.transcript.SessionKey; key != "" {
		b.WriteString(" ")
		b.WriteString(m.styles.session.Render(key))
	}
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m chatModel) statusLine() string {
	var parts []string
	if m.status.Connected {
		parts = append(parts, m.styles.online.Render("● connected"))
	} else {
		parts = append(parts, m.styles.offline.Render("○ "+describeStatus(m.status)))
	}
	if m.transcript.Loading {
		parts = append(parts, m.spin.View()+" waiting for reply")
	}
	if m.notice != "" {
		style := m.styles.dim
		if m.noticeErr {
			style = m.styles.notice
		}
		parts = append(parts, style.Render(m.notice))
	}
	return strings.Join(parts, "  ")
}

func (m chatModel) renderTranscriptLines() []string {
	if len(m.transcript.Entries) == 0 {
		return []string{m.styles.dim.Render("No messages yet.")}
	}
	lines := make([]string, 0, len(m.transcript.Entries)*2)
	for _, e := range m.transcript.Entries {
		lines = append(lines, m.renderEntry(e))
	}
	return lines
}

func (m chatModel) renderEntry(e chat.Entry) string {
	if e.IsError {
		return m.wrap(m.styles.errEntry.Render(formatEntry(e)), 2)
	}
	label := m.styles.assistant
	if e.Role == chat.RoleUser {
		label = m.styles.user
	}
	return m.wrap(label.Render(entryLabel(e)+":")+" "+e.Text, 0)
}

// wrap soft-wraps s to the viewport width, leaving room for decoration.
func (m chatModel) wrap(s string, decoration int) string {
	if m.width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(max(m.width-decoration, 10)).Render(s)
}

func (m chatModel) historyPrev() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	// First time entering history: capture the current draft.
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = m.input.Value()
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input.SetValue(m.inputHistory[m.histIdx])
		m.input.CursorEnd()
	}
	return m
}

func (m chatModel) historyNext() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input.SetValue(m.inputHistory[m.histIdx])
		m.input.CursorEnd()
		return m
	}
	// Move back to the draft line.
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input.SetValue(m.histSaved)
		m.input.CursorEnd()
	}
	return m
}
