package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/engine"
	"github.com/memoracle/memoracle/internal/httpapi"
	"github.com/memoracle/memoracle/internal/logging"
	"github.com/memoracle/memoracle/internal/worker"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP worker",
		Long: `Starts the HTTP worker: crash recovery, the bootstrap manifest, and the
JSON API on the configured address (loopback by default). A PID file under
the data directory guards against a second worker on the same data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := dataDirFlag
			if dataDir == "" {
				dataDir = config.DefaultDataDir()
			}
			logCfg := logging.WorkerConfig(dataDir)

			a, err := newApp(&logCfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if host != "" {
				a.cfg.Worker.Host = host
			}
			if port != 0 {
				a.cfg.Worker.Port = port
			}

			pid := worker.NewPIDFile(a.cfg.PIDPath())
			if err := pid.Acquire(); err != nil {
				if errors.Is(err, worker.ErrAlreadyRunning) {
					return errors.New("another memoracle worker is already running for this data directory")
				}
				return err
			}
			defer func() { _ = pid.Release() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.engine.RecoverFromCrash(ctx); err != nil {
				a.logger.Error("crash_recovery_failed", slog.String("error", err.Error()))
			}
			bootstrapManifest(ctx, a)

			server := httpapi.New(a.engine, a.cfg, a.logger)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("worker_shutdown")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

// bootstrapManifest registers any docsets declared in docsets.yaml that do
// not exist yet. Failures are logged, never fatal.
func bootstrapManifest(ctx context.Context, a *app) {
	manifest, err := config.LoadManifest(a.cfg.ManifestPath())
	if err != nil {
		a.logger.Warn("manifest_skipped", slog.String("error", err.Error()))
		return
	}
	for _, entry := range manifest.Docsets {
		if _, err := a.engine.IndexDocset(ctx, engine.IndexDocsetInput{
			BaseURL:      entry.BaseURL,
			SeedSlug:     entry.SeedSlug,
			Name:         entry.Name,
			AllowedPaths: entry.AllowedPaths,
		}); err != nil {
			a.logger.Warn("manifest_entry_failed",
				slog.String("base_url", entry.BaseURL),
				slog.String("error", err.Error()))
		}
	}
}
