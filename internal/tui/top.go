// Package tui is the `taskforge top` dashboard: a terminal view of queue
// depths, origin quotas, worker load, and SLA health, polled from a
// running daemon's gateway.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/store"
)

const pollEvery = 2 * time.Second

type statsMsg struct {
	stats *Stats
	err   error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchCmd(c *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stats, err := c.FetchStats(ctx)
		return statsMsg{stats: stats, err: err}
	}
}

type model struct {
	client  *Client
	stats   *Stats
	err     error
	started time.Time
}

func (m model) Init() tea.Cmd {
	return fetchCmd(m.client)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.client)
		}
	case statsMsg:
		// Keep the last good panels on a failed poll.
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.stats = msg.stats
			m.err = nil
		}
		return m, tickCmd()
	case tickMsg:
		return m, fetchCmd(m.client)
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString(title.Render("taskforge top"))
	b.WriteString(dim.Render(fmt.Sprintf("  %s  up %s\n", m.client.BaseURL, time.Since(m.started).Truncate(time.Second))))

	if m.err != nil {
		b.WriteString(bad.Render(fmt.Sprintf("\npoll failed: %v\n", m.err)))
	}
	if m.stats == nil {
		b.WriteString(dim.Render("\nwaiting for first poll...\n"))
		b.WriteString(dim.Render("\nq quit · r refresh\n"))
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString(renderQueues(m.stats.Queues))
	b.WriteString("\n")
	b.WriteString(renderOrigins(m.stats.Origins))
	b.WriteString("\n")
	b.WriteString(renderWorkers(m.stats.Workers))
	b.WriteString("\n")
	b.WriteString(renderSLA(m.stats.SLA))
	b.WriteString("\n")
	b.WriteString(dim.Render(fmt.Sprintf("q quit · r refresh · updated %s\n", m.stats.FetchedAt.Format("15:04:05"))))
	return b.String()
}

func renderQueues(q QueueStats) string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	saturation := dim.Render("saturated no")
	if q.Saturated {
		saturation = bad.Render("SATURATED")
	}
	var b strings.Builder
	b.WriteString(head.Render("QUEUES"))
	b.WriteString(fmt.Sprintf("  backlog %d  %s\n ", q.Backlog, saturation))
	for _, name := range []string{"critical", "high", "normal", "low", "batching"} {
		b.WriteString(fmt.Sprintf(" %s %d ", name, q.Depths[name]))
	}
	b.WriteString("\n")

	if len(q.Statuses) > 0 {
		keys := make([]string, 0, len(q.Statuses))
		for k := range q.Statuses {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" ")
		for _, k := range keys {
			b.WriteString(dim.Render(fmt.Sprintf(" %s %d ", strings.ToLower(k), q.Statuses[k])))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderOrigins(origins []router.OriginSnapshot) string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString(head.Render("ORIGINS") + "\n")
	if len(origins) == 0 {
		b.WriteString("  (router disabled)\n")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("  %-14s %7s %7s %9s %8s %8s\n", "origin", "quota", "queued", "completed", "starved", "burst"))
	for _, o := range origins {
		starved := fmt.Sprintf("%d", o.Starved)
		if o.IsStarved {
			starved = bad.Render(starved + "!")
		}
		b.WriteString(fmt.Sprintf("  %-14s %3d/%-3d %7d %9d %8s %8d\n",
			o.Origin, o.Current, o.MaxConcurrent, o.Queued, o.Completed, starved, o.BurstInWindow))
	}
	return b.String()
}

func renderWorkers(workers []sizing.WorkerSnapshot) string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))

	var b strings.Builder
	b.WriteString(head.Render("WORKERS") + "\n")
	if len(workers) == 0 {
		b.WriteString("  (none registered)\n")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("  %-14s %-9s %7s %19s %6s\n", "worker", "class", "active", "bytes", "util"))
	for _, w := range workers {
		b.WriteString(fmt.Sprintf("  %-14s %-9s %3d/%-3d %9s/%-9s %5.0f%%\n",
			w.ID, w.Class, w.ActiveTasks, w.MaxConcurrent,
			fmtBytes(w.ActiveBytes), fmtBytes(w.MaxDataBytes), w.Utilization*100))
	}
	return b.String()
}

func renderSLA(s store.SLASummary) string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	met := good
	if s.MetPercent < 90 && s.Finished > 0 {
		met = bad
	}
	var b strings.Builder
	b.WriteString(head.Render("SLA"))
	b.WriteString(fmt.Sprintf("  since %s\n", s.Since.Format("15:04:05")))
	b.WriteString(fmt.Sprintf("  met %s (%d/%d finished)", met.Render(fmt.Sprintf("%.1f%%", s.MetPercent)), s.SLAMet, s.Finished))
	if s.ActiveOverDeadline > 0 {
		b.WriteString(bad.Render(fmt.Sprintf("  %d active past deadline", s.ActiveOverDeadline)))
	}
	b.WriteString("\n")
	if len(s.Priorities) > 0 {
		b.WriteString(" ")
		for _, p := range s.Priorities {
			b.WriteString(fmt.Sprintf(" %s %.0f%% ", p.Priority, p.MetPercent))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fmtBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// Run drives the dashboard until the context ends or the user quits.
func Run(ctx context.Context, client *Client) error {
	defer bestEffortResetTTY()

	m := model{client: client, started: time.Now()}
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
