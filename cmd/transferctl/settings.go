package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/client"
	"github.com/transferd/transferd/internal/config"
	"github.com/transferd/transferd/internal/manager"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the download and upload queues",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			queues := make(map[string]*manager.QueueInfo, 2)
			for _, k := range []manager.Kind{manager.KindDownload, manager.KindUpload} {
				q, err := c.Queue(ctx, k)
				if err != nil {
					return err
				}
				queues[client.Segment(k)] = q
			}
			return render(queues, func() string {
				t := newTable("QUEUE", "SIZE", "CURRENT")
				for _, name := range []string{"downloads", "uploads"} {
					q := queues[name]
					current := q.Current
					if current == "" {
						current = mutedStyle.Render("-")
					}
					t.Row(name, strconv.Itoa(q.Size), current)
				}
				return t.String()
			})
		}),
	}
	return cmd
}

func newThrottleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throttle [ID] RATE",
		Short: "Limit bandwidth of one transfer, or the default of a kind",
		Long: "Limit bandwidth in bytes per second. RATE accepts sizes such as 512KiB or 2MB; " +
			"0 removes the limit. Without ID the default of the kind is changed for all transfers.",
		Args: cobra.RangeArgs(1, 2),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			rate, err := config.ParseSize(args[len(args)-1])
			if err != nil {
				return err
			}
			return configure(cmd.Context(), args[:len(args)-1], manager.Settings{Throttle: &rate})
		}),
	}
	addKindFlag(cmd)
	return cmd
}

func newMobileDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mobile-data [ID] on|off",
		Short: "Allow or forbid transfers on metered connections",
		Args:  cobra.RangeArgs(1, 2),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			allowed, err := parseSwitch(args[len(args)-1])
			if err != nil {
				return err
			}
			return configure(cmd.Context(), args[:len(args)-1], manager.Settings{AllowMobileData: &allowed})
		}),
	}
	addKindFlag(cmd)
	return cmd
}

func parseSwitch(v string) (bool, error) {
	switch v {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func configure(ctx context.Context, ids []string, s manager.Settings) error {
	k, err := selectedKind()
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(orBackground(ctx), requestTimeout)
	defer cancel()

	var id string
	if len(ids) == 1 {
		if id, err = resolveID(ctx, c, k, ids[0]); err != nil {
			return err
		}
	}

	result, err := c.Configure(ctx, k, id, s)
	if err != nil {
		return err
	}
	switch v := result.(type) {
	case *manager.Info:
		return render(v, func() string { return transferDetail(v) })
	case *manager.Defaults:
		return render(v, func() string { return defaultsTable(map[string]manager.Defaults{client.Segment(k): *v}) })
	}
	return nil
}

func defaultsTable(defaults map[string]manager.Defaults) string {
	t := newTable("QUEUE", "THROTTLE", "MOBILE DATA")
	for _, name := range []string{"downloads", "uploads"} {
		d, ok := defaults[name]
		if !ok {
			continue
		}
		t.Row(name, formatRate(d.Throttle), strconv.FormatBool(d.AllowMobileData))
	}
	return t.String()
}
