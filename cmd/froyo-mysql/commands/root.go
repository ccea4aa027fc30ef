package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// options are the global flags.
type options struct {
	settingsPath string
	descriptors  []string
	verbose      bool
	jsonOutput   bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "froyo-mysql",
		Short: "Converge MySQL server instances on Debian and Ubuntu hosts",
		Long: `froyo-mysql manages named MySQL server instances on Debian-family hosts.

Each lifecycle action (create, delete, start, stop, restart, reload) expands
into an ordered list of declarations: packages, accounts, directories,
my.cnf, the init script, the service. The declarations are checked against
policies and applied on the target through an ephemeral micro-runner.
Every run is journaled.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.settingsPath, "config", "c", "", "settings file path")
	flags.StringSliceVarP(&opts.descriptors, "file", "f", []string{"."}, "descriptor files or directories (CUE, YAML or JSON)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newPathsCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newPoliciesCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "froyo-mysql %s\n  commit: %s\n  built:  %s\n", version, commit, buildDate)
		},
	}
}
