package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/transferd/transferd/internal/client"
	"github.com/transferd/transferd/internal/config"
	"github.com/transferd/transferd/internal/manager"
)

const requestTimeout = 30 * time.Second

type createFlags struct {
	filename    string
	headers     []string
	metadata    []string
	throttle    string
	noMobile    bool
	unqueued    bool
	noAutostart bool
}

func (f *createFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.headers, "header", "H", nil, "Request header as 'Key: Value' (repeatable)")
	cmd.Flags().StringSliceVar(&f.metadata, "meta", nil, "Metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&f.throttle, "throttle", "", "Bandwidth limit per second, e.g. 512KiB")
	cmd.Flags().BoolVar(&f.noMobile, "no-mobile-data", false, "Do not run on metered connections")
	cmd.Flags().BoolVar(&f.unqueued, "unqueued", false, "Bypass the queue")
	cmd.Flags().BoolVar(&f.noAutostart, "no-start", false, "Queue without starting")
}

func (f *createFlags) request(url, localPath string) (manager.Request, error) {
	req := manager.Request{
		URL:       url,
		LocalPath: localPath,
		Filename:  f.filename,
		Unqueued:  f.unqueued,
		Autostart: !f.noAutostart,
	}

	headers, err := parsePairs(f.headers, ":")
	if err != nil {
		return req, fmt.Errorf("invalid header: %w", err)
	}
	req.Headers = headers

	metadata, err := parsePairs(f.metadata, "=")
	if err != nil {
		return req, fmt.Errorf("invalid metadata: %w", err)
	}
	req.Metadata = metadata

	if f.throttle != "" {
		n, err := config.ParseSize(f.throttle)
		if err != nil {
			return req, err
		}
		req.Throttle = &n
	}
	if f.noMobile {
		allowed := false
		req.AllowMobileData = &allowed
	}
	return req, nil
}

func parsePairs(values []string, sep string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, sep)
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not of the form key%svalue", v, sep)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func newDownloadCmd() *cobra.Command {
	var flags createFlags
	var dir string
	cmd := &cobra.Command{
		Use:   "download URL",
		Short: "Queue a download",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return err
				}
				dir = abs
			}
			req, err := flags.request(args[0], dir)
			if err != nil {
				return err
			}
			return create(cmd.Context(), manager.KindDownload, req)
		}),
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Destination directory (daemon default if empty)")
	cmd.Flags().StringVarP(&flags.filename, "filename", "f", "", "Destination file name")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var flags createFlags
	cmd := &cobra.Command{
		Use:   "upload FILE URL",
		Short: "Queue an upload of a local file",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}
			req, err := flags.request(args[1], path)
			if err != nil {
				return err
			}
			return create(cmd.Context(), manager.KindUpload, req)
		}),
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.filename, "filename", "f", "", "File name sent to the server")
	return cmd
}

func create(ctx context.Context, k manager.Kind, req manager.Request) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(orBackground(ctx), requestTimeout)
	defer cancel()

	info, err := c.Create(ctx, k, req)
	if err != nil {
		return err
	}
	return render(info, func() string { return transferDetail(info) })
}

// batchEntry is one transfer in a batch file.
type batchEntry struct {
	URL      string `yaml:"url"`
	Path     string `yaml:"path,omitempty"`
	Filename string `yaml:"filename,omitempty"`
}

// batchFile groups entries by kind:
//
//	downloads:
//	  - url: https://example.com/a.iso
//	uploads:
//	  - url: https://example.com/upload
//	    path: ./report.pdf
type batchFile struct {
	Downloads []batchEntry `yaml:"downloads"`
	Uploads   []batchEntry `yaml:"uploads"`
}

func newBatchCmd() *cobra.Command {
	var noAutostart bool
	cmd := &cobra.Command{
		Use:   "batch YAML_FILE",
		Short: "Queue the transfers listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			var batch batchFile
			if err := yaml.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("failed to parse batch file: %w", err)
			}
			base := filepath.Dir(args[0])

			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			var created []manager.Info
			var errs []error
			submit := func(k manager.Kind, entries []batchEntry) {
				for _, e := range entries {
					if e.URL == "" {
						errs = append(errs, fmt.Errorf("%s entry without url", k))
						continue
					}
					path := e.Path
					if path != "" && !filepath.IsAbs(path) {
						path = filepath.Join(base, path)
					}
					info, err := c.Create(ctx, k, manager.Request{
						URL:       e.URL,
						LocalPath: path,
						Filename:  e.Filename,
						Autostart: !noAutostart,
					})
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", e.URL, err))
						continue
					}
					created = append(created, *info)
				}
			}
			submit(manager.KindDownload, batch.Downloads)
			submit(manager.KindUpload, batch.Uploads)

			if err := render(created, func() string { return transfersTable(created) }); err != nil {
				return err
			}
			return errors.Join(errs...)
		}),
	}
	cmd.Flags().BoolVar(&noAutostart, "no-start", false, "Queue without starting")
	return cmd
}

func newListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List transfers",
		Args:    cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			kinds := []manager.Kind{manager.KindDownload, manager.KindUpload}
			if !all {
				k, err := selectedKind()
				if err != nil {
					return err
				}
				kinds = []manager.Kind{k}
			}

			var list []manager.Info
			for _, k := range kinds {
				part, err := c.List(ctx, k)
				if err != nil {
					return err
				}
				list = append(list, part...)
			}
			return render(list, func() string { return transfersTable(list) })
		}),
	}
	addKindFlag(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "List downloads and uploads")
	return cmd
}

func newActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			k, err := selectedKind()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			id, err := resolveID(ctx, c, k, args[0])
			if err != nil {
				return err
			}
			info, err := c.Command(ctx, k, id, action)
			if err != nil {
				return err
			}
			return render(info, func() string { return transferDetail(info) })
		}),
	}
	addKindFlag(cmd)
	return cmd
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove a transfer from its queue",
		Args:    cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			k, err := selectedKind()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			id, err := resolveID(ctx, c, k, args[0])
			if err != nil {
				return err
			}
			if err := c.Remove(ctx, k, id); err != nil {
				return err
			}
			printSuccess("removed " + id)
			return nil
		}),
	}
	addKindFlag(cmd)
	return cmd
}

// resolveID expands a unique id prefix as shown by list.
func resolveID(ctx context.Context, c *client.Client, k manager.Kind, prefix string) (string, error) {
	if len(prefix) >= 36 {
		return prefix, nil
	}
	list, err := c.List(ctx, k)
	if err != nil {
		return "", err
	}
	var match string
	for _, info := range list {
		if !strings.HasPrefix(info.ID, prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
		}
		match = info.ID
	}
	if match == "" {
		return "", fmt.Errorf("no %s matches %q", k, prefix)
	}
	return match, nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
