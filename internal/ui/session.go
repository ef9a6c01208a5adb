package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the part of a voice session the UI drives.
type Controller interface {
	ToggleCapture(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) (string, error)
	Close(ctx context.Context) error
}

const commandTimeout = 10 * time.Second

type (
	eventMsg        struct{ ev domain.Event }
	eventsClosedMsg struct{}

	toggledMsg struct {
		capturing bool
		err       error
	}
	sentMsg struct {
		msgID string
		text  string
		err   error
	}
	closedMsg struct{ err error }
)

type turn struct {
	role      string
	msgID     string
	text      string
	streaming bool
}

// SessionModel is the interactive conversation view.
type SessionModel struct {
	ctrl   Controller
	events <-chan domain.Event
	agent  string

	state     domain.ConnectionState
	capturing bool
	streamed  uint64
	turns     []turn
	notice    string
	lastErr   error
	fatal     error
	closing   bool
	quitting  bool

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int
}

func NewSessionModel(ctrl Controller, events <-chan domain.Event, agent string) *SessionModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message, ctrl+r to talk"
	ti.CharLimit = 4096
	ti.Prompt = "› "
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &SessionModel{
		ctrl:     ctrl,
		events:   events,
		agent:    agent,
		state:    domain.StateDisconnected,
		input:    ti,
		viewport: viewport.New(80, 12),
		spinner:  s,
		width:    80,
	}
}

// Fatal is the failure that ended the session, if any.
func (m *SessionModel) Fatal() error {
	return m.fatal
}

func (m *SessionModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForEvent())
}

func (m *SessionModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func (m *SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-6)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(msg.ev)
		return m, m.waitForEvent()

	case eventsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case toggledMsg:
		m.lastErr = msg.err
		m.capturing = msg.capturing
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.turns = append(m.turns, turn{role: "user", msgID: msg.msgID, text: msg.text})
		m.refresh()
		return m, nil

	case closedMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		}
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *SessionModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.closing {
			m.quitting = true
			return m, tea.Quit
		}
		m.closing = true
		m.notice = "Closing session..."
		return m, m.closeCmd()

	case "ctrl+r":
		if m.closing {
			return m, nil
		}
		return m, m.toggleCmd()

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.closing {
			return m, nil
		}
		m.input.SetValue("")
		return m, m.sendCmd(text)

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *SessionModel) toggleCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		capturing, err := m.ctrl.ToggleCapture(ctx)
		return toggledMsg{capturing: capturing, err: err}
	}
}

func (m *SessionModel) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		id, err := m.ctrl.SendText(ctx, text)
		return sentMsg{msgID: id, text: text, err: err}
	}
}

func (m *SessionModel) closeCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return closedMsg{err: m.ctrl.Close(ctx)}
	}
}

func (m *SessionModel) apply(ev domain.Event) {
	switch ev := ev.(type) {
	case domain.StateChanged:
		m.state = ev.To
		m.capturing = ev.To == domain.StateStreaming
	case domain.MessageUpdated:
		m.upsert(ev.Message)
	case domain.MessageSealed:
		m.upsert(ev.Message)
	case domain.StreamChanged:
		m.streamed = ev.Chunks
	case domain.Notice:
		m.notice = ev.Text
	case domain.Failure:
		m.lastErr = ev.Err
		if ev.Fatal {
			m.fatal = ev.Err
		}
	}
}

func (m *SessionModel) upsert(msg domain.ResponseMessage) {
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].role == "agent" && m.turns[i].msgID == msg.MsgID {
			m.turns[i].text = msg.Text
			m.turns[i].streaming = msg.Streaming
			m.refresh()
			return
		}
	}
	m.turns = append(m.turns, turn{role: "agent", msgID: msg.MsgID, text: msg.Text, streaming: msg.Streaming})
	m.refresh()
}

func (m *SessionModel) refresh() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m *SessionModel) transcript() string {
	if len(m.turns) == 0 {
		return MutedStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for i, t := range m.turns {
		if i > 0 {
			b.WriteString("\n")
		}
		switch t.role {
		case "user":
			b.WriteString(UserNameStyle.Render("You") + " " + t.text)
		default:
			text := t.text
			if t.streaming {
				text = StreamingStyle.Render(text + " …")
			}
			b.WriteString(AgentNameStyle.Render("Agent") + " " + text)
		}
	}
	return b.String()
}

func (m *SessionModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	header := fmt.Sprintf("%s %s", IconAgent, m.agent)
	b.WriteString(HeaderStyle.Render(header) + " " + StateBadge(m.state))
	if m.capturing {
		b.WriteString(" " + RecordingStyle.Render(fmt.Sprintf("%s REC %d", IconMic, m.streamed)))
	}
	if m.state == domain.StateConnecting || m.state == domain.StateSignaling {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")

	switch {
	case m.lastErr != nil:
		b.WriteString(FormatError(m.lastErr) + "\n")
	case m.notice != "":
		b.WriteString(MutedStyle.Render(m.notice) + "\n")
	}
	b.WriteString(FooterStyle.Render("ctrl+r talk • enter send • pgup/pgdown scroll • ctrl+c quit"))
	return b.String()
}
