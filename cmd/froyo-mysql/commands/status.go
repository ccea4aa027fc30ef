package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [instance...]",
		Short: "Probe running instances",
		Long: `Connect to each instance and report whether it answers, with its
version and uptime. Instances are reached over their socket, or over TCP
when probe.host is set. Instances without a declared platform start a
runner on the target first to read its /etc/os-release.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings(opts)
			if err != nil {
				return err
			}
			services, err := loadServices(ctx, opts, args)
			if err != nil {
				return err
			}
			st, err := openStack(ctx, settings)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			if needsDetection(services) {
				disconnect, err := st.connect(ctx)
				if err != nil {
					return err
				}
				if err := disconnect(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to stop runner")
				}
			}

			states, err := st.probe(ctx, services)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), states)
			}
			for _, s := range states {
				if s.Reachable {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s up    %s, up %ds (%s)\n", s.Instance, s.Version, s.Uptime, s.Address)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s down  %s (%s)\n", s.Instance, s.Error, s.Address)
				}
			}
			return nil
		},
	}
}

// probe reads every instance through the provider and records whether it
// is up.
func (s *stack) probe(ctx context.Context, services []mysql.Service) ([]mysql.State, error) {
	states := make([]mysql.State, 0, len(services))
	for _, svc := range services {
		svc, err := withPlatform(svc, s.platform)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(svc)
		if err != nil {
			return nil, err
		}
		resp, err := s.provider.Read(ctx, engine.ReadRequest{Config: raw})
		if err != nil {
			return nil, err
		}
		var state mysql.State
		if err := json.Unmarshal(resp.State, &state); err != nil {
			return nil, fmt.Errorf("failed to decode state: %w", err)
		}
		s.telemetry.Metrics.SetInstanceUp(state.Instance, resp.Exists)
		states = append(states, state)
	}
	return states, nil
}
