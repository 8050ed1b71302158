package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/engine"
	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/ui"
)

func newRefreshCmd() *cobra.Command {
	var all bool
	var force bool
	var full bool
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "refresh [docsetId]",
		Short: "Re-crawl docsets to pick up changed pages",
		Long: `Queues stale pages for re-crawling. Incremental mode (the default) keeps
content hashes, so unchanged pages cost one conditional request. --full
wipes hashes, chunks, and vectors for a rebuild from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return oerrors.ConfigInvalid("pass a docsetId or --all")
			}

			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			req := engine.RefreshRequest{
				All:         all,
				Force:       force,
				FullReindex: full,
				MaxAge:      maxAge,
			}
			if len(args) == 1 {
				req.DocsetID = args[0]
				req.All = false
			}

			resp, err := a.engine.Refresh(cmd.Context(), req)
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout(), false)
			for _, r := range resp.Docsets {
				p.Plain("%s  mode=%s queued=%d preserved=%d cleared=%d",
					r.DocsetID, r.Mode, r.PagesQueued, r.PreservedHashes, r.ClearedHashes)
				a.engine.WaitForCrawl(r.DocsetID)
			}
			p.Success("refresh complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "refresh every docset")
	cmd.Flags().BoolVar(&force, "force", false, "ignore the max-age threshold")
	cmd.Flags().BoolVar(&full, "full", false, "full reindex: clear hashes, chunks, and vectors")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "staleness threshold (default 24h)")
	return cmd
}
