package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/engine"
	"github.com/memoracle/memoracle/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var seed string
	var name string
	var allowed []string
	var wait bool

	cmd := &cobra.Command{
		Use:   "index <baseURL>",
		Short: "Index a documentation site",
		Long: `Registers a docset and starts crawling it from the seed page. The crawl
stays on the site's host and under the allowed path prefixes.

Note that the background crawl runs inside this process: the command waits
for it to finish. With a worker running, prefer POST /index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			p := ui.NewPrinter(cmd.OutOrStdout(), false)

			result, err := a.engine.IndexDocset(cmd.Context(), engine.IndexDocsetInput{
				BaseURL:      args[0],
				SeedSlug:     seed,
				Name:         name,
				AllowedPaths: allowed,
				WaitForSeed:  wait,
			})
			if err != nil {
				return err
			}

			p.Header("Indexing %s", result.Docset.BaseURL)
			p.Plain("docset: %s (%s)", result.Docset.Name, result.Docset.ID)
			if result.SeedIndexed {
				p.Success("seed page indexed")
			}
			p.Dim("crawling…")

			a.engine.WaitForCrawl(result.Docset.ID)

			status, err := a.engine.Status(cmd.Context(), result.Docset.ID, false)
			if err != nil {
				return err
			}
			if len(status) == 0 {
				return errors.New("docset vanished during crawl")
			}
			st := status[0].IndexStatus
			p.Success("done: %d pages indexed, %d chunks (%d errors, %d skipped)",
				st.IndexedPages, st.TotalChunks, st.ErrorPages, st.SkippedPages)
			return nil
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "seed page path (default /)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the docset")
	cmd.Flags().StringSliceVar(&allowed, "allowed", nil, "allowed path prefixes (default: seed directory)")
	cmd.Flags().BoolVar(&wait, "wait", true, "index the seed page before crawling the rest")
	return cmd
}
