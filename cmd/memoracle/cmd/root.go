// Package cmd provides the CLI commands for memoracle.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/pkg/version"
)

var dataDirFlag string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memoracle",
		Short: "Local documentation oracle for AI coding assistants",
		Long: `Memoracle crawls documentation sites, indexes them locally, and answers
queries with hybrid (vector + keyword) retrieval over HTTP or MCP.

Everything runs on your machine: deterministic local embeddings, SQLite
metadata, and a JSON vector store under ~/.mem-oracle by default. Remote
embedding and vector providers are opt-in via config.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("memoracle version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default $MEMORACLE_DATA_DIR or ~/.mem-oracle)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDocsetsCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	}
}
