package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/paperq/internal/bus"
)

// EventItem is one line in the dashboard's recent-events panel.
type EventItem struct {
	At     time.Time
	Topic  string
	Task   string
	Detail string
}

// EventFeed keeps the most recent queue events for the dashboard. Safe for
// concurrent use: bus subscribers append while the render loop reads.
type EventFeed struct {
	mu       sync.Mutex
	items    []EventItem
	maxItems int
}

func NewEventFeed() *EventFeed {
	return &EventFeed{maxItems: 8}
}

func (f *EventFeed) Add(item EventItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.At.IsZero() {
		item.At = time.Now()
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *EventFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Follow drains a bus subscription into the feed until the subscription
// closes. Callers run it in a goroutine.
func (f *EventFeed) Follow(sub *bus.Subscription) {
	for ev := range sub.Ch() {
		item := EventItem{Topic: ev.Topic}
		switch payload := ev.Payload.(type) {
		case bus.TaskEvent:
			item.Task = payload.Task
			item.Detail = payload.Detail
		case bus.RescanEvent:
			item.Detail = fmt.Sprintf("registered=%d completed=%d skipped=%d",
				payload.Registered, payload.Completed, payload.Skipped)
		}
		f.Add(item)
	}
}

func (f *EventFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	line := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Recent events ──") + "\n")
	for _, it := range f.items {
		s := fmt.Sprintf("%s  %-15s %s", it.At.Format("15:04:05"), it.Topic, it.Task)
		if it.Detail != "" {
			s = strings.TrimRight(s, " ") + " (" + it.Detail + ")"
		}
		out.WriteString(line.Render(s) + "\n")
	}
	return out.String()
}
