package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// Theme holds the colors of the status table.
type Theme struct {
	Header  lipgloss.Color
	Success lipgloss.Color
	Waiting lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Header:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Waiting: lipgloss.Color("#D7AF5F"), // amber
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) stateStyle(s types.StepState) lipgloss.Style {
	switch s {
	case types.StateDone:
		return lipgloss.NewStyle().Foreground(t.Success)
	case types.StateError:
		return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
	case types.StateRetry, types.StateActive:
		return lipgloss.NewStyle().Foreground(t.Waiting)
	case types.StateSkipped:
		return lipgloss.NewStyle().Foreground(t.Hint)
	}
	return lipgloss.NewStyle()
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var tableHeaders = []string{"#", "LOG", "ENCOUNTER", "PARSE", "REPORT", "STATS", "DETAIL"}

// renderView writes the status table for v. Colors are used only when color is set.
func renderView(w io.Writer, v types.View, now time.Time, color bool) error {
	theme := defaultTheme
	rows := make([][]string, 0, len(v.Rows))
	states := make([][3]types.StepState, 0, len(v.Rows))
	for _, r := range v.Rows {
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.ID),
			filepath.Base(r.Location),
			r.Encounter,
			string(r.Parse.State),
			reportCell(r, now),
			string(r.Stats.State),
			detail(r),
		})
		states = append(states, [3]types.StepState{r.Parse.State, r.Report.State, r.Stats.State})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(tableHeaders...).
		Rows(rows...)
	if color {
		t = t.BorderStyle(lipgloss.NewStyle().Foreground(theme.Hint)).
			StyleFunc(func(row, col int) lipgloss.Style {
				base := lipgloss.NewStyle().Padding(0, 1)
				if row == table.HeaderRow {
					return base.Foreground(theme.Header).Bold(true)
				}
				if col >= 3 && col <= 5 && row >= 0 && row < len(states) {
					return theme.stateStyle(states[row][col-3]).Padding(0, 1)
				}
				return base
			})
		if f, ok := w.(*os.File); ok {
			if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
				t = t.Width(width)
			}
		}
	} else {
		t = t.StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, summaryLine(v))
	return err
}

// reportCell is the report state, with the remaining wait for a retry.
func reportCell(r types.Row, now time.Time) string {
	if r.Report.State == types.StateRetry {
		if d, ok := r.RetryIn(now); ok {
			return fmt.Sprintf("retry in %s", d.Round(time.Second))
		}
	}
	return string(r.Report.State)
}

// detail lists the links of a row followed by its stage errors.
func detail(r types.Row) string {
	var parts []string
	if r.ReportURL != "" {
		parts = append(parts, r.ReportURL)
	}
	if r.StatsURL != "" {
		parts = append(parts, r.StatsURL)
	}
	if r.StatsAccepted != nil && !*r.StatsAccepted {
		parts = append(parts, "stats: not accepted")
	}
	for _, e := range []struct {
		stage types.Stage
		sv    types.StageView
	}{{types.StageParse, r.Parse}, {types.StageReport, r.Report}, {types.StageStats, r.Stats}} {
		if e.sv.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", e.stage, e.sv.Error))
		}
	}
	if r.ReportRetries > 0 {
		parts = append(parts, fmt.Sprintf("retries %d", r.ReportRetries))
	}
	return strings.Join(parts, "; ")
}

func summaryLine(v types.View) string {
	settled := "settled"
	if !v.Settled() {
		settled = "in progress"
	}
	var failed int
	for _, r := range v.Rows {
		if r.Parse.State == types.StateError || r.Report.State == types.StateError || r.Stats.State == types.StateError {
			failed++
		}
	}
	return fmt.Sprintf("session %s, %d logs, %d with errors, %s", v.Session, len(v.Rows), failed, settled)
}
