package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(dataDirFlag)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Embedding.APIKey != "" {
				redacted.Embedding.APIKey = "••••"
			}
			if redacted.VectorStore.APIKey != "" {
				redacted.VectorStore.APIKey = "••••"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(&redacted)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(dataDirFlag)
			if err != nil {
				return err
			}
			cmd.Println(cfg.ConfigPath())
			return nil
		},
	})

	return cmd
}
