package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/cloudagent/internal/backend"
	"github.com/mattjoyce/cloudagent/internal/chat"
	"github.com/mattjoyce/cloudagent/internal/event"
	"github.com/mattjoyce/cloudagent/internal/reasoning"
	"github.com/mattjoyce/cloudagent/internal/store"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := configFlag(fs)
	sessionID := fs.String("session", "", "session id (a new session is created when empty)")
	initial := fs.String("q", "", "query to submit once the session is open")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("usage: cloudagent chat [--config <path>] [--session <id>] [--q <query>]")
	}

	ctx := context.Background()
	env, err := openClientEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.resolveSession(ctx, *sessionID)
	if err != nil {
		return err
	}

	ctrl := chat.New(chat.Options{
		SessionID:    id,
		Backend:      env.backend,
		Cache:        env.cache,
		Logger:       env.logger,
		InitialQuery: *initial,
		OnInitialQueryConsumed: func() {
			env.logger.Debug("initial query consumed", "session_id", id)
		},
	})

	m := newChatModel(ctx, ctrl, env.backend.BaseURL(), func(ctx context.Context) (store.ID, error) {
		return env.resolveSession(ctx, "")
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type changedMsg struct{}

type loadedMsg struct {
	Err error
}

type submittedMsg struct {
	Started bool
}

type sessionCreatedMsg struct {
	ID  store.ID
	Err error
}

type chatModel struct {
	ctx        context.Context
	ctrl       *chat.Controller
	apiBase    string
	newSession func(context.Context) (store.ID, error)

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	snap   chat.Snapshot
	notice string
}

func newChatModel(ctx context.Context, ctrl *chat.Controller, apiBase string, newSession func(context.Context) (store.ID, error)) chatModel {
	input := textinput.New()
	input.Placeholder = "Ask the agent..."
	input.Prompt = "› "
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	return chatModel{
		ctx:        ctx,
		ctrl:       ctrl,
		apiBase:    apiBase,
		newSession: newSession,
		input:      input,
		spinner:    sp,
		viewport:   viewport.New(80, 20),
		snap:       ctrl.Snapshot(),
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		waitForChangeCmd(m.ctrl.Changes()),
		loadSessionCmd(m.ctx, m.ctrl),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = bodyWidth(msg.Width)
		m.viewport.Height = transcriptHeight(msg.Height)
		m.input.Width = bodyWidth(msg.Width) - 4
		m.ready = true
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.snap.Streaming {
				m.notice = "stopping..."
				return m, stopCmd(m.ctx, m.ctrl)
			}
			return m, nil
		case "ctrl+n":
			if m.snap.Streaming {
				m.notice = "stop the current run before starting a new chat"
				return m, nil
			}
			return m, createSessionCmd(m.ctx, m.newSession)
		case "enter":
			query := strings.TrimSpace(m.input.Value())
			if query == "" || m.snap.Streaming {
				return m, nil
			}
			m.input.Reset()
			m.notice = ""
			return m, submitCmd(m.ctx, m.ctrl, query)
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case changedMsg:
		m.snap = m.ctrl.Snapshot()
		m.notice = ""
		if m.snap.StreamErr != nil {
			m.notice = streamErrNotice(m.snap.StreamErr)
		}
		m.refreshTranscript()
		return m, waitForChangeCmd(m.ctrl.Changes())

	case loadedMsg:
		if msg.Err != nil {
			return m, nil
		}
		return m, mountCmd(m.ctx, m.ctrl)

	case submittedMsg:
		if !msg.Started {
			m.notice = "could not start the run"
		}
		return m, nil

	case sessionCreatedMsg:
		if msg.Err != nil {
			m.notice = "new chat: " + msg.Err.Error()
			return m, nil
		}
		m.ctrl.SwitchSession(msg.ID, "")
		m.notice = ""
		return m, loadSessionCmd(m.ctx, m.ctrl)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.snap.Streaming {
			m.refreshTranscript()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) View() string {
	title := m.snap.Title
	if title == "" {
		title = "New Chat"
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accentColor).
		Padding(0, 1).
		Render(trimForLog(title, 48))
	status := statusStyle(m.snap).Render(strings.ToUpper(statusLabel(m.snap)))
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("session=%s  api=%s  tokens=%s", m.snap.SessionID, m.apiBase, humanize.Comma(int64(m.snap.Tokens.TotalTokens))))

	body := m.viewport.View()
	if !m.ready {
		body = renderTranscript(m.snap, bodyWidth(m.width), m.spinner.View())
	}

	footerText := "enter: send  ctrl+n: new chat  pgup/pgdn: scroll  ctrl+c: quit"
	if m.snap.Streaming {
		footerText = "esc: stop  pgup/pgdn: scroll  ctrl+c: quit"
	}
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74")).Render(footerText)
	if m.notice != "" {
		footer = errorStyle.Render(m.notice) + "  " + footer
	}

	inputBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accentColor).
		Width(bodyWidth(m.width)).
		Render(m.input.View())

	return strings.Join([]string{header + " " + status, meta, body, inputBox, footer}, "\n")
}

func (m *chatModel) refreshTranscript() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderTranscript(m.snap, m.viewport.Width, m.spinner.View()))
	if atBottom || m.snap.Streaming {
		m.viewport.GotoBottom()
	}
}

var accentColor = lipgloss.Color("#F97316")

func streamErrNotice(err error) string {
	if backend.IsTransientError(err) {
		return "backend unreachable, send again to retry: " + err.Error()
	}
	return "connection lost: " + err.Error()
}

func statusLabel(snap chat.Snapshot) string {
	switch {
	case snap.Streaming:
		return "streaming"
	case snap.Load == chat.LoadLoading:
		return "loading"
	case snap.Load == chat.LoadNotFound:
		return "not found"
	case snap.Load == chat.LoadFailed:
		return "offline"
	}
	return "idle"
}

func statusStyle(snap chat.Snapshot) lipgloss.Style {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accentColor).
		Padding(0, 1)
	switch statusLabel(snap) {
	case "idle", "loading":
		style = style.Background(lipgloss.Color("#6B7280"))
	case "not found", "offline":
		style = style.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FFF7ED"))
	}
	return style
}

// renderTranscript renders the message log with the current turn's reasoning
// placed after the query that started it.
func renderTranscript(snap chat.Snapshot, width int, spin string) string {
	if width <= 0 {
		width = 80
	}
	switch snap.Load {
	case chat.LoadNotFound:
		return errorStyle.Render("This session no longer exists. Press ctrl+n to start a new chat.")
	case chat.LoadFailed:
		msg := "Could not load the session."
		if snap.LoadErr != nil {
			msg += " " + snap.LoadErr.Error()
		}
		return errorStyle.Render(msg)
	}

	before, after := splitAtTurn(snap.Messages, snap.Turn)
	var blocks []string
	for _, msg := range before {
		blocks = append(blocks, renderMessage(msg, width))
	}
	if snap.Turn != nil {
		if steps := renderSteps(snap.Turn.Timeline(), width); steps != "" {
			blocks = append(blocks, steps)
		}
		if snap.Streaming {
			blocks = append(blocks, renderPending(snap.Turn.Answer, width, spin))
		} else if snap.Turn.Cancelled {
			blocks = append(blocks, dimStyle.Render("stopped"))
		}
	}
	for _, msg := range after {
		blocks = append(blocks, renderMessage(msg, width))
	}
	if len(blocks) == 0 {
		return dimStyle.Render("Ask the agent anything to get started.")
	}
	return strings.Join(blocks, "\n\n")
}

// splitAtTurn splits messages after the last user message matching the
// turn's query.
func splitAtTurn(messages []store.Message, turn *reasoning.Turn) (before, after []store.Message) {
	if turn == nil {
		return messages, nil
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleUser && messages[i].Content == turn.Query {
			return messages[:i+1], messages[i+1:]
		}
	}
	return messages, nil
}

func renderMessage(msg store.Message, width int) string {
	content := lipgloss.NewStyle().Width(width - 2).Render(msg.Content)
	if msg.Role == store.RoleAgent && strings.HasPrefix(msg.Content, "Error: ") {
		content = errorStyle.Width(width - 2).Render(msg.Content)
	}
	return roleLabel(msg.Role) + "\n" + content
}

func renderSteps(steps []reasoning.Step, width int) string {
	if len(steps) == 0 {
		return ""
	}
	lines := make([]string, 0, len(steps)+1)
	lines = append(lines, headerStyle.Render("Reasoning"))
	for _, step := range steps {
		text := strings.ReplaceAll(strings.TrimSpace(step.Display()), "\n", " ")
		line := fmt.Sprintf("%s  %s", dimStyle.Render(stepTitle(step)), trimForLog(text, width-24))
		if step.Error != "" {
			line += "  " + errorStyle.Render(trimForLog(step.Error, 40))
		}
		lines = append(lines, line)
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(lipgloss.Color("#6B7280")).
		PaddingLeft(1).
		Render(strings.Join(lines, "\n"))
}

func renderPending(answer reasoning.Answer, width int, spin string) string {
	switch {
	case answer.OutputType == event.OutputImage && answer.URL != "":
		return agentStyle.Render("agent") + "\n" + fmt.Sprintf("[image %s] %s", answer.MimeType, answer.URL)
	case answer.Content != "":
		return agentStyle.Render("agent") + " " + spin + "\n" + lipgloss.NewStyle().Width(width-2).Render(answer.Content)
	}
	return spin + " " + dimStyle.Render("thinking...")
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

// transcriptHeight is what remains after the header, meta, input box and
// footer lines.
func transcriptHeight(terminalHeight int) int {
	h := terminalHeight - 6
	if h < 5 {
		return 5
	}
	return h
}

func waitForChangeCmd(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

func loadSessionCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		return loadedMsg{Err: ctrl.Load(ctx)}
	}
}

func mountCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		ctrl.Mount(ctx)
		return nil
	}
}

func submitCmd(ctx context.Context, ctrl *chat.Controller, query string) tea.Cmd {
	return func() tea.Msg {
		return submittedMsg{Started: ctrl.Submit(ctx, query)}
	}
}

func stopCmd(ctx context.Context, ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		ctrl.Stop(ctx)
		return nil
	}
}

func createSessionCmd(ctx context.Context, create func(context.Context) (store.ID, error)) tea.Cmd {
	return func() tea.Msg {
		if create == nil {
			return sessionCreatedMsg{Err: errors.New("session creation unavailable")}
		}
		id, err := create(ctx)
		return sessionCreatedMsg{ID: id, Err: err}
	}
}
