package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/taskboard/internal/task"
	"github.com/loykin/taskboard/pkg/client"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	cellStyle   = lipgloss.NewStyle()
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))

	statusStyles = map[task.Status]lipgloss.Style{
		task.Activated: lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		task.Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true),
		task.Completed: lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		task.Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
	}
)

// leading columns in display order; other fields follow alphabetically
var leadColumns = []string{task.FieldName, task.FieldStatus, task.FieldActivate, task.FieldRun, task.FieldKill}

func columns(rows []client.Row) []string {
	seen := map[string]bool{}
	for _, r := range rows {
		for k := range r.Fields {
			seen[k] = true
		}
	}
	var cols []string
	for _, c := range leadColumns {
		if seen[c] {
			cols = append(cols, c)
			delete(seen, c)
		}
	}
	var rest []string
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(append(cols, rest...), "id")
}

func cell(r client.Row, col string) string {
	if col == "id" {
		return r.ID
	}
	v, ok := r.Fields[col]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}

// renderRows lays rows out as an aligned table with colored statuses.
func renderRows(rows []client.Row) string {
	if len(rows) == 0 {
		return mutedStyle.Render("(no rows)") + "\n"
	}
	cols := columns(rows)
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = lipgloss.Width(c)
		for _, r := range rows {
			if w := lipgloss.Width(cell(r, c)); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	line := make([]string, len(cols))
	for i, c := range cols {
		line[i] = headerStyle.Width(widths[i] + 2).Render(strings.ToUpper(c))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, line...) + "\n")
	for _, r := range rows {
		for i, c := range cols {
			style := cellStyle
			switch c {
			case task.FieldStatus:
				if s, ok := statusStyles[task.ParseStatus(cell(r, c))]; ok {
					style = s
				}
			case "id":
				style = mutedStyle
			}
			line[i] = style.Width(widths[i] + 2).Render(cell(r, c))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, line...) + "\n")
	}
	return b.String()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
