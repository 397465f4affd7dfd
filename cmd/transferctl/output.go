package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/transfer"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))             // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // blue
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

var stdout io.Writer = os.Stdout

func printSuccess(text string) { fmt.Fprintln(stdout, successStyle.Render(text)) }
func printInfo(text string)    { fmt.Fprintln(stdout, infoStyle.Render(text)) }
func printError(text string)   { fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+text)) }

// render writes v as JSON or YAML, or calls tableFn for table output.
func render(v any, tableFn func() string) error {
	switch output {
	case outputJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		data, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	default:
		fmt.Fprintln(stdout, tableFn())
		return nil
	}
}

// toYAML goes through JSON so the field names match the API.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		})
}

func transfersTable(list []manager.Info) string {
	if len(list) == 0 {
		return mutedStyle.Render("no transfers")
	}
	t := newTable("ID", "KIND", "STATE", "PROGRESS", "THROTTLE", "NAME", "CREATED")
	for _, info := range list {
		state := stateStyle(info.State).Render(info.State.String())
		if info.Current {
			state += " *"
		}
		t.Row(
			shortID(info.ID),
			string(info.Kind),
			state,
			formatProgress(info.Received, info.Total),
			formatRate(info.Throttle),
			displayName(info),
			humanize.Time(info.CreatedAt),
		)
	}
	return t.String()
}

func transferDetail(info *manager.Info) string {
	rows := [][2]string{
		{"ID", info.ID},
		{"Kind", string(info.Kind)},
		{"Handle", info.Handle},
		{"URL", info.URL},
		{"State", stateStyle(info.State).Render(info.State.String())},
		{"Current", fmt.Sprint(info.Current)},
		{"Queued", fmt.Sprint(info.Queued)},
		{"Progress", formatProgress(info.Received, info.Total)},
		{"Throttle", formatRate(info.Throttle)},
		{"Mobile data", fmt.Sprint(info.AllowMobileData)},
		{"Local path", info.LocalPath},
		{"Final path", info.FinalPath},
		{"Created", humanize.Time(info.CreatedAt)},
	}
	if info.Error != "" {
		rows = append(rows, [2]string{"Error", errorStyle.Render(info.ErrorCategory + ": " + info.Error)})
	}

	var b strings.Builder
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Width(12).Render(r[0]), r[1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func stateStyle(s transfer.State) lipgloss.Style {
	switch s {
	case transfer.StateStart:
		return infoStyle
	case transfer.StateFinish:
		return successStyle
	case transfer.StateError:
		return errorStyle
	case transfer.StatePause, transfer.StateCancel:
		return warningStyle
	default:
		return pendingStyle
	}
}

func formatProgress(received, total int64) string {
	if total <= 0 {
		return humanize.IBytes(uint64(max(received, 0)))
	}
	pct := float64(received) / float64(total) * 100
	return fmt.Sprintf("%s / %s (%.0f%%)", humanize.IBytes(uint64(received)), humanize.IBytes(uint64(total)), pct)
}

func formatRate(bytesPerSecond int64) string {
	if bytesPerSecond <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

func displayName(info manager.Info) string {
	switch {
	case info.FinalPath != "":
		return info.FinalPath
	case info.Filename != "":
		return info.Filename
	case info.LocalPath != "":
		return info.LocalPath
	}
	return info.URL
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}
