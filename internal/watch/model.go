package watch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pgrelay/backend/internal/ws"
)

// Model is the root Bubble Tea model.
type Model struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	keys  KeyMap
	help  help.Model
	input textinput.Model

	width  int
	height int

	log     Log
	editing bool
	paused  bool

	connected bool
	key       string
	events    int
	bytes     int
	held      int // events received while paused
	lastSeq   uint64
}

// New creates the root model around c.
func New(c *Client) Model {
	ctx, cancel := context.WithCancel(context.Background())
	in := textinput.New()
	in.Prompt = "key> "
	in.Placeholder = "orders, or * for everything"
	in.CharLimit = 256
	return Model{
		client: c,
		ctx:    ctx,
		cancel: cancel,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		input:  in,
		key:    c.Key(),
	}
}

// Init starts the first connection attempt.
func (m Model) Init() tea.Cmd {
	return m.client.Connect(m.ctx)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectedMsg:
		m.connected = true
		m.key = msg.Key
		m.log.Add(Entry{Kind: KindConn, Message: "connected, following " + msg.Key})
		return m, m.client.ReadLoop(m.ctx)

	case DialFailedMsg:
		m.log.Add(Entry{Kind: KindError, Message: fmt.Sprintf("dial: %v (retry in %v)", msg.Err, msg.Retry)})
		return m, m.client.Retry(m.ctx, msg.Retry)

	case DisconnectedMsg:
		m.connected = false
		m.log.Add(Entry{Kind: KindError, Message: fmt.Sprintf("disconnected: %v", msg.Err)})
		return m, m.client.Connect(m.ctx)

	case EventMsg:
		m.events++
		m.bytes += len(msg.Event.Payload)
		m.lastSeq = msg.Event.Seq
		if m.paused {
			m.held++
		} else {
			m.log.Add(Entry{Kind: KindEvent, Key: msg.Event.Key, Seq: msg.Event.Seq, Message: payloadText(msg.Event.Payload)})
		}
		return m, m.client.ReadLoop(m.ctx)

	case ControlMsg:
		switch msg.Control.Type {
		case ws.MsgSubscribed:
			m.key = msg.Control.Key
			m.log.Add(Entry{Kind: KindControl, Message: "subscribed to " + msg.Control.Key})
		default:
			m.log.Add(Entry{Kind: KindError, Message: msg.Control.Error})
		}
		return m, m.client.ReadLoop(m.ctx)

	case SubscribeErrMsg:
		m.log.Add(Entry{Kind: KindError, Message: fmt.Sprintf("subscribe: %v", msg.Err)})
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing {
		switch {
		case key.Matches(msg, m.keys.Confirm):
			m.editing = false
			m.input.Blur()
			next := strings.TrimSpace(m.input.Value())
			if next == "" || next == m.key {
				return m, nil
			}
			return m, m.client.Subscribe(next)
		case key.Matches(msg, m.keys.Cancel):
			m.editing = false
			m.input.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		m.client.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Subscribe):
		m.editing = true
		m.input.SetValue("")
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Up):
		m.log.ScrollUp(1)

	case key.Matches(msg, m.keys.Down):
		m.log.ScrollDown(1)

	case key.Matches(msg, m.keys.Bottom):
		m.log.Offset = 0

	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if !m.paused && m.held > 0 {
			m.log.Add(Entry{Kind: KindControl, Message: fmt.Sprintf("resumed, %d events skipped", m.held)})
			m.held = 0
		}

	case key.Matches(msg, m.keys.Clear):
		m.log.Clear()
	}
	return m, nil
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Bottom, k.Subscribe, k.Pause, k.Clear, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp(), {k.Confirm, k.Cancel}}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	status := m.statusView()
	var footer string
	if m.editing {
		footer = m.input.View()
	} else {
		footer = m.help.View(m.keys)
	}

	rows := m.height - lipgloss.Height(status) - lipgloss.Height(footer)
	body := m.log.View(m.width, rows)

	return lipgloss.JoinVertical(lipgloss.Left, status, body, footer)
}

func (m Model) statusView() string {
	sep := lipgloss.NewStyle().Foreground(colorBorder).Render(" | ")

	var conn string
	if m.connected {
		conn = lipgloss.NewStyle().Foreground(colorHealthy).Render("● Connected")
	} else {
		conn = styleBanner.Render("○ DISCONNECTED") + styleDimmed.Render(" Reconnecting...")
	}

	parts := []string{
		conn,
		styleHeader.Render("key " + m.key),
		fmt.Sprintf("%d events  %s", m.events, humanBytes(m.bytes)),
		fmt.Sprintf("seq %d", m.lastSeq),
	}
	if m.paused {
		parts = append(parts, lipgloss.NewStyle().Foreground(colorWarning).Render(fmt.Sprintf("PAUSED (%d held)", m.held)))
	}
	return panelStyle(max(m.width-2, 40)).Render(strings.Join(parts, sep))
}

// payloadText renders binary payloads as hex.
func payloadText(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	return fmt.Sprintf("0x%x", p)
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
