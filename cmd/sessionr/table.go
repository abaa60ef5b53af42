package main

import (
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	gojson "github.com/goccy/go-json"

	"github.com/loykin/sessionr/pkg/client"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newTable(headers ...string) *ltable.Table {
	return ltable.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == ltable.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func writeTable(w io.Writer, t *ltable.Table) error {
	_, err := io.WriteString(w, t.Render()+"\n")
	return err
}

func printJSON(w io.Writer, v any) error {
	b, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nodeRow(n client.NodeStatus) []string {
	pid := "-"
	if n.PID > 0 {
		pid = strconv.Itoa(n.PID)
	}
	detail := n.Error
	if n.BlockedBy != "" {
		detail = "blocked by " + n.BlockedBy
	}
	return []string{n.Name, n.Kind, n.Phase, pid, strconv.Itoa(n.Restarts), orDash(n.LastExit), orDash(detail)}
}

func statusTable(nodes []client.NodeStatus) *ltable.Table {
	t := newTable("NAME", "KIND", "PHASE", "PID", "RESTARTS", "LAST EXIT", "DETAIL")
	for _, n := range nodes {
		t.Row(nodeRow(n)...)
	}
	return t
}

func joinOrDash(ss []string) string {
	return orDash(strings.Join(ss, ","))
}
