// Package cli implements ebookctl, an operator tool for the job API.
//
//	ebookctl submit book.pdf --watch
//	ebookctl watch job-1700000000000-ab12cd
//	ebookctl status <id> | list | retry <id> --step render | export -o jobs.xlsx
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pdf-ebook-pipeline/internal/jobindex"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/poller"
)

const defaultConfigPath = "configs/ebookctl.yaml"

type app struct {
	configFile string
	baseURL    string
	logger     *slog.Logger

	cfg    *Config
	client *poller.Client
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ebookctl",
		Short:         "Submit, watch and inspect PDF to ebook jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", defaultConfigPath, "config file path")
	root.PersistentFlags().StringVar(&a.baseURL, "api", "", "API base URL (overrides config)")

	root.AddCommand(
		a.submitCommand(),
		a.watchCommand(),
		a.statusCommand(),
		a.listCommand(),
		a.retryCommand(),
		a.exportCommand(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.API.BaseURL = a.baseURL
	}
	a.cfg = cfg
	a.client = poller.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return nil
}

func (a *app) newPoller() *poller.Poller {
	return poller.New(a.client, poller.Options{
		Interval:         a.cfg.Watch.Interval,
		StuckAfter:       a.cfg.Watch.StuckAfter,
		NotFoundGrace:    a.cfg.Watch.NotFoundGrace,
		DisableAutoRetry: !a.cfg.autoRetry(),
	}, a.logger)
}

func (a *app) submitCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "submit <file.pdf>",
		Short: "Upload a PDF and start a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			name := filepath.Base(args[0])
			up, err := a.client.Upload(ctx, name, f)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			ref := up.URL
			if ref == "" {
				ref = up.Pathname
			}
			m, err := a.client.Submit(ctx, ref, name)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			if !watch {
				return nil
			}
			return a.watch(ctx, cmd.OutOrStdout(), m.ID)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch the job until it finishes")
	return cmd
}

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func (a *app) watch(ctx context.Context, out io.Writer, id string) error {
	last := ""
	p, err := a.newPoller().Watch(ctx, id, func(p poller.Progress) {
		line := formatProgress(p)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	if p.FailedStep != "" {
		return fmt.Errorf("job %s failed at %s", id, p.FailedStep)
	}
	return nil
}

func formatProgress(p poller.Progress) string {
	line := fmt.Sprintf("%s %d%% (%d/%d)", p.Status, p.Percent, p.Completed, p.Total)
	if p.FailedStep != "" {
		line += " failed at " + string(p.FailedStep)
	} else if step, ok := currentStep(p.Manifest); ok {
		line += " " + string(step)
	}
	if p.Stuck {
		line += " (stuck)"
	}
	return line
}

// currentStep is the first step that has not completed.
func currentStep(m *models.Manifest) (models.StepName, bool) {
	if m == nil {
		return "", false
	}
	for _, step := range models.Steps {
		if m.Steps[step] != models.StatusCompleted {
			return step, true
		}
	}
	return "", false
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's step statuses and recent logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.client.GetJob(cmd.Context(), args[0])
			if errors.Is(err, poller.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			printManifest(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func printManifest(out io.Writer, m *models.Manifest) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", m.ID)
	fmt.Fprintf(tw, "status\t%s\n", models.DeriveStatus(m.Steps))
	for _, step := range models.Steps {
		fmt.Fprintf(tw, "  %s\t%s\n", step, m.Steps[step])
	}
	_ = tw.Flush()
	logs := m.Logs
	if len(logs) > 5 {
		logs = logs[len(logs)-5:]
	}
	for _, l := range logs {
		fmt.Fprintf(out, "%s [%s] %s\n", l.Timestamp.Format(time.RFC3339), l.Level, l.Message)
	}
}

func (a *app) listCommand() *cobra.Command {
	var opts jobindex.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.client.ListJobs(cmd.Context(), opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFILENAME\tCREATED")
			for _, j := range res.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status, j.Filename, j.CreatedAt.Format(time.RFC3339))
			}
			_ = tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d jobs\n", res.Page, len(res.Jobs), res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", jobindex.DefaultPageSize, "jobs per page")
	cmd.Flags().StringVar(&opts.Sort, "sort", "createdAt", "createdAt or updatedAt")
	cmd.Flags().StringVar(&opts.Order, "order", "desc", "asc or desc")
	return cmd
}

func (a *app) retryCommand() *cobra.Command {
	var step string
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset a step to PENDING and dispatch it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := models.StepName(step)
			if name != "" && !models.IsValidStep(name) {
				return fmt.Errorf("unknown step %q", step)
			}
			if err := a.newPoller().Retry(cmd.Context(), args[0], name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retry requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step to retry (default: first step)")
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download an XLSX summary of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.client.Export(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "jobs.xlsx", "output file")
	return cmd
}
