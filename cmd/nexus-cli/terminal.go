package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/putto11262002/nexus/realtime"
)

// printer writes every message once, in log order, as they arrive.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]bool)}
}

func (p *printer) messages(messages []realtime.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintf(p.w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), author(m.Profile, m.UserID), m.Content)
	}
}

func (p *printer) roster(users []realtime.PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(users) == 0 {
		fmt.Fprintln(p.w, "* nobody is online")
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, author(u.Profile, u.UserID))
	}
	fmt.Fprintf(p.w, "* online (%d): %s\n", len(users), strings.Join(names, ", "))
}

func (p *printer) info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "* "+format+"\n", args...)
}

func author(profile *realtime.ProfileSnapshot, userID string) string {
	switch {
	case profile == nil:
		return userID
	case profile.DisplayName != "":
		return profile.DisplayName
	default:
		return profile.Username
	}
}

type command int

const (
	commandSend command = iota
	commandWho
	commandQuit
	commandUnknown
)

// parseLine classifies a line typed by the user.
func parseLine(line string) (command, string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return commandSend, line
	}
	switch strings.Fields(line)[0] {
	case "/who":
		return commandWho, ""
	case "/quit", "/exit":
		return commandQuit, ""
	default:
		return commandUnknown, line
	}
}
