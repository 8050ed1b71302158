package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/config"
	"github.com/memoracle/memoracle/internal/store"
	"github.com/memoracle/memoracle/internal/ui"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ui.NewPrinter(cmd.OutOrStdout(), false)
			failures := 0
			check := func(name string, err error) {
				if err != nil {
					failures++
					p.Error("✗ %s: %v", name, err)
					return
				}
				p.Success("✓ %s", name)
			}

			cfg, err := config.Load(dataDirFlag)
			check("config valid", err)
			if cfg == nil {
				return fmt.Errorf("%d check(s) failed", failures)
			}
			p.Dim("  data dir: %s", cfg.DataDir)

			check("data dir writable", checkWritable(cfg.DataDir))
			check("sqlite openable", checkSQLite(cfg))
			check("provider credentials", checkCredentials(cfg))
			check("worker reachable", checkWorker(cfg))

			if failures > 0 {
				return fmt.Errorf("%d check(s) failed", failures)
			}
			p.Header("all checks passed")
			return nil
		},
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkSQLite(cfg *config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	meta, err := store.NewSQLiteStore(cfg.DBPath(), nil)
	if err != nil {
		return err
	}
	return meta.Close()
}

// checkCredentials verifies that remote providers have the keys they need.
// Local providers always pass.
func checkCredentials(cfg *config.Config) error {
	if cfg.Embedding.Provider != config.EmbeddingLocal && cfg.Embedding.APIKey == "" {
		return fmt.Errorf("embedding provider %s needs embedding.apiKey", cfg.Embedding.Provider)
	}
	switch cfg.VectorStore.Provider {
	case config.VectorQdrant:
		if cfg.VectorStore.URL == "" {
			return fmt.Errorf("qdrant needs vectorStore.url")
		}
	case config.VectorPinecone:
		if cfg.VectorStore.APIKey == "" {
			return fmt.Errorf("pinecone needs vectorStore.apiKey")
		}
	}
	return nil
}

// checkWorker probes the HTTP worker's health endpoint. A worker that is
// simply not running is reported as such, not as a hard failure message.
func checkWorker(cfg *config.Config) error {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s:%d/health", cfg.Worker.Host, cfg.Worker.Port)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("not running at %s (start with 'memoracle serve')", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
