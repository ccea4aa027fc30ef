package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/config"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func newValidateCommand(opts *options) *cobra.Command {
	var withPolicies bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate descriptors and settings",
		Long: `Validate the descriptors and the settings file.

This command checks:
  - CUE, YAML and JSON syntax
  - Conformance to the mysql.service schema
  - Platform and MySQL version support
  - With --policies, the create plan of every instance against policies`,
		Example: `  # Validate descriptors in the current directory
  froyo-mysql validate

  # Validate a descriptor file and run policies over its create plans
  froyo-mysql validate -f hosts/db1.cue --policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings(opts)
			if err != nil {
				return err
			}

			parsed, err := config.NewCUEParser().Parse(ctx, opts.descriptors)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), parsed); err != nil {
					return err
				}
			} else {
				for _, e := range parsed.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e.Error())
				}
			}
			if len(parsed.Errors) > 0 {
				return fmt.Errorf("%d validation errors", len(parsed.Errors))
			}

			if withPolicies {
				policies, err := newPolicyEngine(ctx, settings)
				if err != nil {
					return err
				}
				if policies != nil {
					provider := mysql.NewProvider(nil, settings.Probe)
					for _, svc := range parsed.Services {
						if svc.Platform.IsZero() {
							log.Info().Str("instance", svc.Name).Msg("Platform is detected at apply time, skipping policy check")
							continue
						}
						p, err := planService(ctx, provider, svc, mysql.ActionCreate)
						if err != nil {
							return err
						}
						if err := policies.Check(ctx, p.Plan.Plan); err != nil {
							return err
						}
					}
				}
			}

			log.Info().
				Strs("instances", parsed.Names()).
				Int("files", len(parsed.SourceFiles)).
				Msg("Descriptors are valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withPolicies, "policies", false, "also check create plans against policies")

	return cmd
}
