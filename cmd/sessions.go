package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfork/openfork/internal/bootstrap"
	"github.com/openfork/openfork/internal/config"
	"github.com/openfork/openfork/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			stores, err := bootstrap.OpenStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			roots, err := sessions.NewManager(stores).List(cmd.Context(), cfg.Workspace())
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				fmt.Println("no sessions yet")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tTITLE\tTOKENS\tUPDATED")
			for _, s := range roots {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.AgentSlug, title,
					s.PromptTokens+s.CompletionTokens,
					s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}
