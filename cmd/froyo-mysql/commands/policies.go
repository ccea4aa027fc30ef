package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPoliciesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the policies plans are checked against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(opts)
			if err != nil {
				return err
			}
			eng, err := newPolicyEngine(cmd.Context(), settings)
			if err != nil {
				return err
			}
			if eng == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "policies are disabled")
				return nil
			}

			policies := eng.ListPolicies()
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %-8s %-8s %s [%s] (%s)\n",
					p.Name, p.Severity, state, p.Description, strings.Join(p.Tags, ","), source)
			}
			return nil
		},
	}
}
