// Package tui renders the live queue dashboard behind `paperq watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/queue"
)

// Snapshot is one refresh of the dashboard's view of the queue.
type Snapshot struct {
	Root       string
	Instance   string
	Counts     queue.Counts
	Processing []queue.ProcessingInfo
	Failures   []queue.FailureInfo
	Uptime     time.Duration
	Err        error
}

// StatusProvider returns a fresh Snapshot, once per tick.
type StatusProvider func() Snapshot

// Config wires the dashboard to its data sources. Bus is optional; when
// set, queue events from this process land in the recent-events panel.
type Config struct {
	Provider StatusProvider
	Bus      *bus.Bus
}

type model struct {
	provider StatusProvider
	feed     *EventFeed
	snap     Snapshot

	// Previous tick's membership, for observed transitions. nil until the
	// first refresh so the initial population does not flood the feed.
	prevProcessing map[string]bool
	prevFailed     map[string]bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		m.observe()
		return m, tickCmd()
	}
	return m, nil
}

// observe turns membership changes between refreshes into feed entries.
// Other processes never publish on this process's bus, so transitions seen
// through the directory are the only way their activity reaches the panel.
func (m *model) observe() {
	processing := make(map[string]bool, len(m.snap.Processing))
	for _, info := range m.snap.Processing {
		processing[info.Name] = true
	}
	failed := make(map[string]bool, len(m.snap.Failures))
	for _, f := range m.snap.Failures {
		failed[f.Name] = true
	}

	if m.prevProcessing != nil {
		for _, info := range m.snap.Processing {
			if !m.prevProcessing[info.Name] {
				m.feed.Add(EventItem{Topic: bus.TopicTaskClaimed, Task: info.Name, Detail: "observed"})
			}
		}
		for _, f := range m.snap.Failures {
			if !m.prevFailed[f.Name] {
				m.feed.Add(EventItem{Topic: bus.TopicTaskFailed, Task: f.Name, Detail: "observed"})
			}
		}
	}
	m.prevProcessing = processing
	m.prevFailed = failed
}

func fmtDur(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	text := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var out strings.Builder
	out.WriteString(title.Render("paperq watch") + dim.Render(fmt.Sprintf("  %s  instance=%s  up %s",
		m.snap.Root, m.snap.Instance, m.snap.Uptime.Truncate(time.Second))) + "\n\n")

	if m.snap.Err != nil {
		out.WriteString(bad.Render("status error: "+humanError(m.snap.Err)) + "\n\n")
	}

	c := m.snap.Counts
	out.WriteString(text.Render(fmt.Sprintf(
		"Pending: %d   Processing: %d   Done: %d   Failed: %d", c.Pending, c.Processing, c.Done, c.Failed)) + "\n\n")

	if len(m.snap.Processing) > 0 {
		out.WriteString(dim.Render(fmt.Sprintf("%-28s %-16s %-10s %-10s", "TASK", "OWNER", "HEARTBEAT", "LEASE")) + "\n")
		for _, info := range m.snap.Processing {
			owner := info.Owner
			if owner == "" {
				owner = "(none)"
			}
			row := fmt.Sprintf("%-28s %-16s %-10s %-10s", info.Name, owner,
				fmtDur(info.HeartbeatAge), fmtDur(info.LeaseRemaining))
			if info.Stale {
				out.WriteString(warn.Render(row+"  stale: "+info.Reason) + "\n")
			} else {
				out.WriteString(text.Render(row) + "\n")
			}
		}
		out.WriteString("\n")
	}

	if len(m.snap.Failures) > 0 {
		out.WriteString(dim.Render("── Recent failures ──") + "\n")
		for _, f := range m.snap.Failures {
			line := f.Name
			if f.Error != "" {
				line += ": " + f.Error
			}
			out.WriteString(bad.Render(line) + "\n")
		}
		out.WriteString("\n")
	}

	if feed := m.feed.View(); feed != "" {
		out.WriteString(feed + "\n")
	}

	out.WriteString(dim.Render("Press q to quit.") + "\n")
	return out.String()
}

// Run drives the dashboard until quit or ctx cancellation.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()

	feed := NewEventFeed()
	if cfg.Bus != nil {
		sub := cfg.Bus.Subscribe("task.")
		defer cfg.Bus.Unsubscribe(sub)
		go feed.Follow(sub)
	}

	m := model{provider: cfg.Provider, feed: feed, snap: cfg.Provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
