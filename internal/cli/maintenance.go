package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/harun/mnemo/pkg/cron"
	"github.com/spf13/cobra"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run and inspect maintenance jobs",
	Long: `Maintenance jobs keep storage tidy:
  prune_sessions  archive and delete sessions idle longer than maintenance.session_ttl
  sync_knowledge  reindex the knowledge base when documents changed`,
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a maintenance job now",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaintenanceRun,
}

var maintenanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured maintenance jobs and their schedules",
	Args:  cobra.NoArgs,
	RunE:  runMaintenanceList,
}

func init() {
	maintenanceCmd.AddCommand(maintenanceRunCmd, maintenanceListCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

func runMaintenanceRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{Storage: true, Knowledge: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	defer sched.Stop(ctx)

	start := time.Now()
	if err := sched.RunNow(ctx, args[0]); err != nil {
		if errors.Is(err, cron.ErrUnknownJob) {
			return fmt.Errorf("%w: %s is not configured (prune_sessions needs maintenance.session_ttl, sync_knowledge needs knowledge.enabled)", err, args[0])
		}
		return err
	}

	job, _ := sched.Job(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s in %s\n", job.Name, job.State.LastStatus, time.Since(start).Round(time.Millisecond))
	return nil
}

func runMaintenanceList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{Storage: true, Knowledge: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	defer sched.Stop(ctx)

	jobs := sched.Jobs()
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No maintenance jobs configured.")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		next := "-"
		if t, err := cron.NextRun(j.Schedule, time.Now()); err == nil {
			next = formatTime(t)
		}
		rows = append(rows, []string{j.Name, j.Schedule, next, strconv.FormatBool(a.cfg.Maintenance.Enabled)})
	}
	return renderTable(out, []string{"JOB", "SCHEDULE", "NEXT RUN", "SCHEDULED"}, rows)
}
