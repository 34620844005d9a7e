package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/session"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))
	otherStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	systemStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("241"))
	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))
)

// view prints new log entries and connection changes as they happen.
type view struct {
	mu        sync.Mutex
	out       io.Writer
	printed   map[string]bool
	connected bool
}

func newView(out io.Writer) *view {
	return &view{out: out, printed: make(map[string]bool)}
}

func (v *view) update(s session.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range s.Messages {
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		fmt.Fprintln(v.out, formatMessage(m))
	}

	if s.Connected != v.connected {
		v.connected = s.Connected
		fmt.Fprintln(v.out, formatStatus(s))
	}
}

func (v *view) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.printed = make(map[string]bool)
}

func (v *view) status(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, statusStyle.Render(text))
}

func (v *view) intro(s session.Snapshot, server string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, statusStyle.Render(fmt.Sprintf("chatting on %s as %s", server, s.Profile.Nickname)))
	fmt.Fprintln(v.out, statusStyle.Render("type a message, /nick <name>, /clear or /quit"))
}

func formatMessage(m chat.Message) string {
	ts := timeStyle.Render(m.CreatedAt.Local().Format("15:04"))
	switch m.Role {
	case chat.RoleSystem:
		return fmt.Sprintf("%s %s", ts, systemStyle.Render("*** "+m.Text+" ***"))
	case chat.RoleUser:
		return fmt.Sprintf("%s %s: %s", ts, userStyle.Render(m.Nickname+" (you)"), m.Text)
	default:
		return fmt.Sprintf("%s %s: %s", ts, otherStyle.Render(m.Nickname), m.Text)
	}
}

func formatStatus(s session.Snapshot) string {
	if s.Connected {
		return statusStyle.Render("● online")
	}
	return statusStyle.Render("○ offline, " + s.State.String())
}
