package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 500

// Kind tags a log line.
type Kind string

const (
	KindEvent   Kind = "evt"
	KindControl Kind = "ctl"
	KindConn    Kind = "conn"
	KindError   Kind = "err"
)

// Entry is one line of the event log.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Key     string
	Seq     uint64
	Message string
}

// Log is a capped, scrollable list of entries.
type Log struct {
	Entries []Entry
	Offset  int // lines scrolled up from the bottom
}

// Add appends an entry, dropping the oldest past maxEntries. A log that
// is scrolled up stays on the same lines.
func (l *Log) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.Entries = append(l.Entries, e)
	if len(l.Entries) > maxEntries {
		l.Entries = l.Entries[len(l.Entries)-maxEntries:]
	}
	if l.Offset > 0 {
		l.ScrollUp(1)
	}
}

func (l *Log) ScrollUp(n int) {
	l.Offset = min(l.Offset+n, max(len(l.Entries)-1, 0))
}

func (l *Log) ScrollDown(n int) {
	l.Offset = max(l.Offset-n, 0)
}

func (l *Log) Clear() {
	l.Entries = nil
	l.Offset = 0
}

// View renders the lines that fit in height rows of width columns.
func (l Log) View(width, height int) string {
	height = max(height, 1)
	if len(l.Entries) == 0 {
		return styleDimmed.Render("  Waiting for events...")
	}

	end := len(l.Entries) - l.Offset
	start := max(end-height, 0)

	lines := make([]string, 0, end-start)
	for _, e := range l.Entries[start:end] {
		lines = append(lines, renderEntry(e, width))
	}
	if l.Offset > 0 {
		lines = append(lines, styleDimmed.Render(fmt.Sprintf(" ↓ %d more", l.Offset)))
	}
	return strings.Join(lines, "\n")
}

func renderEntry(e Entry, width int) string {
	ts := styleDimmed.Render(e.Time.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(5).Render(string(e.Kind))

	var head string
	if e.Kind == KindEvent {
		head = fmt.Sprintf("#%-6d %s ", e.Seq, e.Key)
	}
	msg := head + e.Message
	if room := width - 20; room > 3 && len(msg) > room {
		msg = msg[:room-3] + "..."
	}
	return ts + " " + kind + " " + msg
}
