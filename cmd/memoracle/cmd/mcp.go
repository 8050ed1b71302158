package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/logging"
	"github.com/memoracle/memoracle/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio",
		Long: `Serves the Model Context Protocol over stdin/stdout for AI clients such
as Claude Code. Logs go only to the worker log file, never to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := dataDirFlag
			if dataDir == "" {
				dataDir = config.DefaultDataDir()
			}
			logCfg := logging.MCPConfig(dataDir)

			a, err := newApp(&logCfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.engine.RecoverFromCrash(ctx); err != nil {
				a.logger.Error("crash_recovery_failed", slog.String("error", err.Error()))
			}

			return mcp.NewServer(a.engine, a.logger).Run(ctx)
		},
	}
}
