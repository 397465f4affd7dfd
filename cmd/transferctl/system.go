package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/api"
	"github.com/transferd/transferd/internal/health"
	"github.com/transferd/transferd/internal/logger"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/scheduler"
	ws "github.com/transferd/transferd/internal/websocket"
)

func newNetworkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network [none|metered|unmetered|auto]",
		Short: "Show or override the connectivity class",
		Long:  "Without arguments prints the current class. A class pins it; auto returns to detection.",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			var class network.Class
			switch {
			case len(args) == 0:
				class, err = c.Network(ctx)
			case args[0] == "auto":
				class, err = c.SetNetwork(ctx, "")
			default:
				class, err = c.SetNetwork(ctx, args[0])
			}
			if err != nil {
				return err
			}
			state := api.NetworkState{Class: class}
			return render(state, func() string { return "network: " + infoStyle.Render(class.String()) })
		}),
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return render(status, func() string {
				var b strings.Builder
				fmt.Fprintf(&b, "%s %s\n", headerStyle.Width(10).Render("Version"), status.Version)
				fmt.Fprintf(&b, "%s %s\n", headerStyle.Width(10).Render("Uptime"), status.Uptime)
				fmt.Fprintf(&b, "%s %s\n", headerStyle.Width(10).Render("Network"), infoStyle.Render(status.Network.String()))
				fmt.Fprintf(&b, "%s %d\n\n", headerStyle.Width(10).Render("Clients"), status.Clients)

				t := newTable("QUEUE", "SIZE", "CURRENT", "THROTTLE", "MOBILE DATA")
				for _, name := range []string{"downloads", "uploads"} {
					q, d := status.Queues[name], status.Defaults[name]
					current := q.Current
					if current == "" {
						current = "-"
					}
					t.Row(name, fmt.Sprint(q.Size), current, formatRate(d.Throttle), fmt.Sprint(d.AllowMobileData))
				}
				b.WriteString(t.String())
				return b.String()
			})
		}),
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show storage, database and connectivity checks",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			resp, err := c.Health(ctx)
			if err != nil {
				return err
			}
			return render(resp, func() string {
				t := newTable("CATEGORY", "NAME", "STATUS", "MESSAGE")
				for _, group := range [][]health.HealthItem{resp.Storage, resp.Database, resp.Network} {
					for _, item := range group {
						t.Row(string(item.Category), item.Name, healthStyle(item.Status).Render(string(item.Status)), item.Message)
					}
				}
				return t.String()
			})
		}),
	}
}

func healthStyle(s health.HealthStatus) lipgloss.Style {
	switch s {
	case health.StatusOK:
		return successStyle
	case health.StatusWarning:
		return warningStyle
	}
	return errorStyle
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			list, err := c.Tasks(ctx)
			if err != nil {
				return err
			}
			return render(list, func() string { return tasksTable(list) })
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run ID",
		Short: "Run a scheduled task now",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), 5*time.Minute)
			defer cancel()

			task, err := c.RunTask(ctx, args[0])
			if err != nil {
				return err
			}
			return render(task, func() string { return tasksTable([]scheduler.TaskInfo{*task}) })
		}),
	})
	return cmd
}

func tasksTable(list []scheduler.TaskInfo) string {
	t := newTable("ID", "SCHEDULE", "LAST RUN", "NEXT RUN", "LAST ERROR")
	for _, task := range list {
		schedule := task.Cron
		if schedule == "" {
			schedule = "every " + task.Interval
		}
		lastErr := task.LastError
		if lastErr != "" {
			lastErr = errorStyle.Render(lastErr)
		}
		t.Row(task.ID, schedule, formatTime(task.LastRun), formatTime(task.NextRun), lastErr)
	}
	return t.String()
}

func newLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			entries, err := c.Logs(ctx, limit)
			if err != nil {
				return err
			}
			return render(entries, func() string {
				var b strings.Builder
				for _, e := range entries {
					b.WriteString(formatEntry(e))
					b.WriteByte('\n')
				}
				return strings.TrimRight(b.String(), "\n")
			})
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries")
	return cmd
}

func formatEntry(e logger.Entry) string {
	level := strings.ToUpper(e.Level)
	switch e.Level {
	case "error", "fatal", "panic":
		level = errorStyle.Render(level)
	case "warn":
		level = warningStyle.Render(level)
	default:
		level = mutedStyle.Render(level)
	}
	line := fmt.Sprintf("%s %s", mutedStyle.Render(e.Timestamp), level)
	if e.Component != "" {
		line += " " + infoStyle.Render("["+e.Component+"]")
	}
	return line + " " + e.Message
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream transfer events until interrupted",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(orBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printInfo("watching " + addr + " (ctrl-c to stop)")
			return c.Watch(ctx, func(m ws.Message) {
				if output != outputTable {
					_ = render(m, nil)
					return
				}
				fmt.Fprintln(stdout, formatEvent(m))
			})
		}),
	}
}

// formatEvent renders one event line for table output.
func formatEvent(m ws.Message) string {
	ts := m.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	prefix := mutedStyle.Render(ts) + " " + pendingStyle.Render(m.Type)

	switch {
	case strings.HasPrefix(m.Type, "progress:"):
		var a progress.Activity
		if json.Unmarshal(m.Payload, &a) == nil {
			detail := fmt.Sprintf("%s %s %s", shortID(a.ID), a.Title, formatProgress(a.Received, a.Total))
			if a.BytesPerSecond > 0 {
				detail += " " + humanize.IBytes(uint64(a.BytesPerSecond)) + "/s"
			}
			if a.Error != "" {
				detail += " " + errorStyle.Render(a.Error)
			}
			return prefix + " " + detail
		}
	case strings.HasPrefix(m.Type, "transfer:"):
		var info manager.Info
		if json.Unmarshal(m.Payload, &info) == nil && info.ID != "" {
			return prefix + " " + fmt.Sprintf("%s %s %s", shortID(info.ID), stateStyle(info.State).Render(info.State.String()), displayName(info))
		}
	case m.Type == "network:changed":
		var state api.NetworkState
		if json.Unmarshal(m.Payload, &state) == nil {
			return prefix + " " + infoStyle.Render(state.Class.String())
		}
	}
	return prefix + " " + string(m.Payload)
}
