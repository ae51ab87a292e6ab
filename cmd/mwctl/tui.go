package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	deniedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

type tickMsg time.Time

type snapshotMsg struct {
	endpoints []endpointRow
	mappings  []mappingRow
	denied    uint64
	err       error
}

type approvalMsg approvalNotice

// model is a bubbletea program polling internal/ctl for live endpoint and
// mapping state, and surfacing pending unmap.force approvals for the
// operator to accept or reject inline.
type model struct {
	client *ctlClient

	endpoints []endpointRow
	mappings  []mappingRow
	denied    uint64
	lastErr   error

	approvals []approvalNotice
	cursor    int
	quitting  bool
}

func newModel(c *ctlClient) model {
	return model{client: c}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.client), waitApprovalCmd(m.client), tickCmd())
}

func pollCmd(c *ctlClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		eps, err := c.endpoints(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		ms, err := c.mappings(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		denied, err := c.deniedCount(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{endpoints: eps, mappings: ms, denied: denied}
	}
}

func waitApprovalCmd(c *ctlClient) tea.Cmd {
	return func() tea.Msg {
		a, ok := <-c.approvals
		if !ok {
			return nil
		}
		return approvalMsg(a)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.approvals)-1 {
				m.cursor++
			}
		case "a":
			return m, m.respond("approve")
		case "d":
			return m, m.respond("deny")
		}
	case tickMsg:
		return m, tea.Batch(pollCmd(m.client), tickCmd())
	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.endpoints = msg.endpoints
			m.mappings = msg.mappings
			m.denied = msg.denied
		}
	case approvalMsg:
		m.approvals = upsertApproval(m.approvals, approvalNotice(msg))
		if m.cursor >= len(m.approvals) {
			m.cursor = len(m.approvals) - 1
		}
		return m, waitApprovalCmd(m.client)
	}
	return m, nil
}

func upsertApproval(list []approvalNotice, a approvalNotice) []approvalNotice {
	if a.Status != "PENDING" {
		out := list[:0]
		for _, existing := range list {
			if existing.ApprovalID != a.ApprovalID {
				out = append(out, existing)
			}
		}
		return out
	}
	for i, existing := range list {
		if existing.ApprovalID == a.ApprovalID {
			list[i] = a
			return list
		}
	}
	return append(list, a)
}

func (m model) respond(decision string) tea.Cmd {
	if m.cursor < 0 || m.cursor >= len(m.approvals) {
		return nil
	}
	id := m.approvals[m.cursor].ApprovalID
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = client.respondApproval(ctx, id, decision)
		return nil
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("mwctl — live core state") + "\n\n")

	if m.lastErr != nil {
		b.WriteString(deniedStyle.Render("error: "+m.lastErr.Error()) + "\n\n")
	}

	b.WriteString(fmt.Sprintf("endpoints: %d   mappings: %d   denied: %d\n\n",
		len(m.endpoints), len(m.mappings), m.denied))

	b.WriteString(headerStyle.Render("Mappings") + "\n")
	for _, row := range m.mappings {
		status := ""
		if row.PendingTeardown {
			status = pendingStyle.Render(" (pending teardown)")
		}
		b.WriteString(fmt.Sprintf("  #%-4d %-12s %-8s %s%s\n", row.Handle, row.LocalEndpoint, row.Module, row.Address, status))
	}

	if len(m.approvals) > 0 {
		b.WriteString("\n" + headerStyle.Render("Pending approvals") + "\n")
		for i, a := range m.approvals {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}
			b.WriteString(pendingStyle.Render(fmt.Sprintf("%s%s: %s", cursor, a.Action, a.Details)) + "\n")
		}
		b.WriteString(helpStyle.Render("\n[a] approve  [d] deny  [up/down] select\n"))
	}

	b.WriteString(helpStyle.Render("\n[q] quit\n"))
	return b.String()
}
