package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/task/scheduler"
)

type jobsOptions struct {
	*rootOptions
	local bool
}

func newJobsCmd(root *rootOptions) *cobra.Command {
	opts := &jobsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger jobs",
		Long: `Inspect and trigger jobs. With ops.enabled the running daemon is asked
over its HTTP API; otherwise (or with --local) the jobs are loaded in-process.`,
	}
	cmd.PersistentFlags().BoolVar(&opts.local, "local", false, "load jobs in-process instead of asking the daemon")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show jobs, their schedules and last results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := opts.snapshot(cmd.Context())
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), snap.Jobs)
			return nil
		},
	}

	var wait time.Duration
	run := &cobra.Command{
		Use:   "run <id>...",
		Short: "Run jobs now",
		Long: `Run jobs now. The selection is refused as a whole if a job is unknown,
disabled, or two jobs share a work kind.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout(), ids, wait)
		},
	}
	run.Flags().DurationVar(&wait, "wait", 10*time.Minute, "in-process only: how long to wait for the runs")

	cmd.AddCommand(list, run)
	return cmd
}

// remote returns an API client when the daemon is expected to serve one.
func (o *jobsOptions) remote() (*apiClient, error) {
	if o.local {
		return nil, nil
	}
	cfg, err := config.NewConfigManager(o.configPath).Parse()
	if err != nil {
		return nil, err
	}
	if !cfg.Ops.Enabled {
		return nil, nil
	}
	return newAPIClient(cfg.Ops), nil
}

func (o *jobsOptions) snapshot(ctx context.Context) (scheduler.Snapshot, error) {
	c, err := o.remote()
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	if c != nil {
		return c.Jobs(ctx)
	}
	a, err := app.NewApp(o.configPath, app.Oneshot())
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
	return a.Scheduler().Snapshot(), nil
}

func (o *jobsOptions) run(ctx context.Context, w io.Writer, ids []string, wait time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := o.remote()
	if err != nil {
		return err
	}
	if c != nil {
		if err := c.Run(ctx, ids); err != nil {
			return err
		}
		fmt.Fprintf(w, "started: %s\n", strings.Join(ids, ", "))
		return nil
	}

	a, err := app.NewApp(o.configPath, app.Oneshot())
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopAppStop)
	}()

	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	res, err := a.RunJobs(runCtx, ids...)
	if len(res) > 0 {
		renderJobs(w, res)
	}
	if err != nil {
		return err
	}
	for _, js := range res {
		if js.Status != scheduler.JobFinished {
			return fmt.Errorf("job %s %s", js.ID, js.Status)
		}
	}
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(lipgloss.Color("9"))
	okStyle     = cellStyle.Foreground(lipgloss.Color("10"))
)

const statusCol = 3

func renderJobs(w io.Writer, jobs []scheduler.JobSnapshot) {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, jobRow(j))
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TITLE", "KIND", "STATUS", "SCHEDULE", "NEXT", "RESULT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				switch rows[row][col] {
				case scheduler.JobFailed.String(), scheduler.JobCanceled.String():
					return failStyle
				case scheduler.JobFinished.String():
					return okStyle
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func jobRow(j scheduler.JobSnapshot) []string {
	status := j.Status.String()
	switch {
	case j.Running:
		status = "running"
	case j.Disabled:
		status = "disabled"
	}
	schedule, next := "-", "-"
	if sc := j.Schedule; sc != nil {
		schedule = sc.Recurrence
		if sc.Title != "" && sc.Title != sc.Recurrence {
			schedule = sc.Title + " (" + sc.Recurrence + ")"
		}
		if !sc.Next.IsZero() {
			next = sc.Next.Format("2006-01-02 15:04")
		} else {
			next = sc.State
		}
	}
	result := j.Result
	if result == "" {
		result = "-"
	}
	return []string{j.ID, j.Title, j.Kind, status, schedule, next, result}
}
