package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfork/openfork/internal/bootstrap"
	"github.com/openfork/openfork/internal/config"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the available agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			catalog, err := bootstrap.BuildCatalog(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tNAME\tCATEGORY\tMODE\tMAX ITER\tTOOLS")
			for _, d := range catalog.List() {
				toolDesc := string(d.ToolConfig.Mode)
				if len(d.ToolConfig.List) > 0 {
					toolDesc += ": " + strings.Join(d.ToolConfig.List, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					d.Slug, d.Name, d.Category, d.ExecutionMode, d.MaxIterations, toolDesc)
			}
			return w.Flush()
		},
	}
}
