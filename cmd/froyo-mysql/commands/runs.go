package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/stores"
)

func newRunsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run journal",
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsPruneCommand(opts))

	return cmd
}

// openJournal opens the journal from settings.
func openJournal(cmd *cobra.Command, opts *options) (*stores.SQLiteStore, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	return stores.Open(cmd.Context(), settings.Journal)
}

func newRunsListCommand(opts *options) *cobra.Command {
	var filter stores.RunFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  froyo-mysql runs list
  froyo-mysql runs list --resource mysql-reporting --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd, opts)
			if err != nil {
				return err
			}
			defer journal.Close()

			runs, err := journal.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %-8s %-10s %s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Resource, r.Action, r.Status, r.Target)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Resource, "resource", "", "only runs of this instance, e.g. mysql-default")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand(opts *options) *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its declaration results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			journal, err := openJournal(cmd, opts)
			if err != nil {
				return err
			}
			defer journal.Close()

			run, err := journal.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if !withEvents {
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), run)
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			}

			evts, err := journal.ListEvents(ctx, run.ID)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"run": run, "events": evts})
			}
			printRun(cmd.OutOrStdout(), run)
			for _, e := range evts {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %-5s %-22s %s\n",
					e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", false, "include the run's events")

	return cmd
}

func newRunsPruneCommand(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			journal, err := openJournal(cmd, opts)
			if err != nil {
				return err
			}
			defer journal.Close()

			n, err := journal.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("runs", n).Dur("older_than", olderThan).Msg("Journal pruned")
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before this long ago")

	return cmd
}
