package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func newApplyCommand(opts *options) *cobra.Command {
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "apply <action> [instance...]",
		Short: "Run a lifecycle action on the target",
		Long: `Plan a lifecycle action for each instance and apply it on the target.

For each instance this command:
  - Expands the action into ordered declarations
  - Takes the instance lock (when Redis is configured)
  - Checks the plan against policies
  - Applies the declarations through the micro-runner, evaluating guards
  - Journals the run and publishes its events

Instances are converged one after another. The first failure stops the
command unless --keep-going is set.`,
		Example: `  # Create every instance declared in ./hosts on the local host
  froyo-mysql apply create -f ./hosts

  # Restart one instance on the SSH target from settings
  froyo-mysql apply restart reporting -c froyo.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			action, err := mysql.ParseAction(args[0])
			if err != nil {
				return err
			}

			settings, err := loadSettings(opts)
			if err != nil {
				return err
			}
			services, err := loadServices(ctx, opts, args[1:])
			if err != nil {
				return err
			}

			st, err := openStack(ctx, settings)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			disconnect, err := st.connect(ctx)
			if err != nil {
				return err
			}
			defer disconnect(context.WithoutCancel(ctx))

			var runs []*engine.Run
			var failed int
			for _, svc := range services {
				run, err := st.apply(ctx, svc, action)
				if run != nil {
					runs = append(runs, run)
					if !opts.jsonOutput {
						printRun(cmd.OutOrStdout(), run)
					}
				}
				if err != nil {
					failed++
					log.Error().Err(err).Str("instance", svc.Name).Str("action", string(action)).Msg("Apply failed")
					if !keepGoing {
						break
					}
				}
			}

			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), runs); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d instances failed", failed, len(services))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with the next instance after a failure")

	return cmd
}
