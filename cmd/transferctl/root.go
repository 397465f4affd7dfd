package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/transferd/transferd/internal/client"
	"github.com/transferd/transferd/internal/config"
	"github.com/transferd/transferd/internal/manager"
)

const defaultAddr = "http://127.0.0.1:7480"

var (
	addr   string
	output string
	kind   string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "transferctl",
		Short:         "Control a running transferd",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case outputTable, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q", output)
		},
	}

	envAddr := os.Getenv("TRANSFERD_ADDR")
	if envAddr == "" {
		envAddr = defaultAddr
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", envAddr, "Daemon address (env TRANSFERD_ADDR)")
	cmd.PersistentFlags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")

	cmd.AddCommand(
		newDownloadCmd(),
		newUploadCmd(),
		newBatchCmd(),
		newListCmd(),
		newActionCmd("start", "Start a transfer"),
		newActionCmd("pause", "Pause a transfer"),
		newActionCmd("resume", "Resume a paused transfer"),
		newActionCmd("cancel", "Cancel a transfer"),
		newRemoveCmd(),
		newQueueCmd(),
		newThrottleCmd(),
		newMobileDataCmd(),
		newNetworkCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newTasksCmd(),
		newLogsCmd(),
	)

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		printError(err.Error())
		return err
	})
	return cmd
}

// addKindFlag registers -k on commands that address one queue.
func addKindFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&kind, "kind", "k", string(manager.KindDownload), "Transfer kind: download or upload")
}

func selectedKind() (manager.Kind, error) {
	switch manager.Kind(kind) {
	case manager.KindDownload, manager.KindUpload:
		return manager.Kind(kind), nil
	}
	return "", fmt.Errorf("unknown kind %q, want download or upload", kind)
}

func newClient() (*client.Client, error) {
	return client.New(addr)
}

// run wraps a command body so failures are printed styled and the process
// exits non-zero.
func run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			printError(err.Error())
			return err
		}
		return nil
	}
}
