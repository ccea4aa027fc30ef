package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
	"github.com/openfroyo/froyo-mysql/pkg/policy"
)

// planned is one instance's plan with its policy verdict.
type planned struct {
	Service  string               `json:"service"`
	Plan     *engine.PlanResponse `json:"plan"`
	Policies *policy.Result       `json:"policies,omitempty"`
}

func newPlanCommand(opts *options) *cobra.Command {
	var skipPolicies bool

	cmd := &cobra.Command{
		Use:   "plan <action> [instance...]",
		Short: "Show the declarations an action expands into",
		Long: `Expand a lifecycle action into its ordered declarations without touching
any host, and evaluate them against the configured policies.

Actions: create, delete, start, stop, restart, reload.`,
		Example: `  # Plan creating every instance in ./hosts
  froyo-mysql plan create -f ./hosts

  # Plan restarting one instance, as JSON
  froyo-mysql plan restart reporting --json`,
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

			var policies *policy.Engine
			if !skipPolicies {
				if policies, err = newPolicyEngine(ctx, settings); err != nil {
					return err
				}
			}

			provider := mysql.NewProvider(nil, settings.Probe)
			out := make([]planned, 0, len(services))
			for _, svc := range services {
				// Plans are offline: nothing is detected
				svc, err := withPlatform(svc, mysql.Platform{})
				if err != nil {
					return err
				}
				p, err := planService(ctx, provider, svc, action)
				if err != nil {
					return err
				}
				if policies != nil {
					if p.Policies, err = policies.Evaluate(ctx, p.Plan.Plan); err != nil {
						return err
					}
				}
				out = append(out, *p)
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			for _, p := range out {
				printPlan(w, p.Plan.Plan, p.Plan.Warnings)
				if p.Policies != nil {
					for _, v := range p.Policies.Violations {
						fmt.Fprintf(w, "  policy %s (%s): %s\n", v.Policy, v.Severity, v.Message)
					}
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicies, "skip-policies", false, "do not evaluate policies")

	return cmd
}

// planService plans one instance through the provider contract.
func planService(ctx context.Context, provider *mysql.Provider, svc mysql.Service, action mysql.Action) (*planned, error) {
	raw, err := json.Marshal(svc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", svc.Name, err)
	}
	resp, err := provider.Plan(ctx, engine.PlanRequest{Config: raw, Action: string(action)})
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("resource", resp.Plan.Resource).
		Str("action", resp.Plan.Action).
		Int("declarations", len(resp.Plan.Declarations)).
		Msg("Plan generated")
	return &planned{Service: svc.Name, Plan: resp}, nil
}
