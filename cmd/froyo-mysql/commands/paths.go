package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func newPathsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "paths [instance...]",
		Short: "Print the derived paths of instances",
		Example: `  froyo-mysql paths default
  froyo-mysql paths --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := loadServices(cmd.Context(), opts, args)
			if err != nil {
				return err
			}

			all := make(map[string]mysql.Paths, len(services))
			for i, svc := range services {
				if services[i], err = withPlatform(svc, mysql.Platform{}); err != nil {
					return err
				}
				all[svc.Name] = services[i].Paths()
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), all)
			}

			w := cmd.OutOrStdout()
			for _, svc := range services {
				p := all[svc.Name]
				fmt.Fprintf(w, "%s (%s, MySQL %s)\n", p.MysqlName, p.PlatformVersion, svc.Version)
				rows := [][2]string{
					{"config dir", p.ConfDir},
					{"config file", p.ConfigFile},
					{"include dir", p.IncludeDir},
					{"run dir", p.RunDir},
					{"pid file", p.PidFile},
					{"socket", p.SocketFile},
					{"log dir", p.LogDir},
					{"data dir", p.DataDir},
					{"init script", p.InitScript},
					{"my.cnf template", p.MyCnfSource},
					{"init template", p.InitScriptSource},
				}
				for _, r := range rows {
					fmt.Fprintf(w, "  %-16s %s\n", r[0], r[1])
				}
			}
			return nil
		},
	}
}
