package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfork/openfork/internal/bootstrap"
	"github.com/openfork/openfork/internal/config"
	"github.com/openfork/openfork/internal/hooks"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("  ✗ %s: %v\n", name, err)
					return
				}
				fmt.Printf("  ✓ %s\n", name)
			}

			path := resolveConfigPath()
			cfg, err := config.Load(path)
			check(fmt.Sprintf("config (%s)", path), err)
			if err != nil {
				return fmt.Errorf("cannot continue without config")
			}

			if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.OpenRouter.APIKey == "" {
				failed = true
				fmt.Println("  ✗ providers: no API key set (OPENFORK_OPENAI_API_KEY or config)")
			} else {
				fmt.Println("  ✓ providers")
			}

			stores, err := bootstrap.OpenStores(cfg)
			check(fmt.Sprintf("storage (%s)", cfg.Storage.Driver), err)
			if err == nil {
				stores.Close()
			}

			_, err = bootstrap.BuildCatalog(cfg)
			check("agent catalog", err)

			if hp := hooks.FindConfig(cfg.Workspace()); hp != "" {
				_, err := hooks.LoadFile(hp)
				check(fmt.Sprintf("hooks (%s)", hp), err)
			}

			if failed {
				os.Exit(1)
			}
			return nil
		},
	}
}
