package cmd

import (
	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var includeStuck bool

	cmd := &cobra.Command{
		Use:   "status [docsetId]",
		Short: "Show indexing progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			docsetID := ""
			if len(args) == 1 {
				docsetID = args[0]
			}

			report, err := a.engine.Status(cmd.Context(), docsetID, includeStuck)
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout(), false)
			if len(report) == 0 {
				p.Warn("no docsets indexed yet — run 'memoracle index <baseURL>'")
				return nil
			}

			for _, entry := range report {
				st := entry.IndexStatus
				p.Header("%s  (%s)", entry.Docset.Name, entry.Docset.ID)
				p.Plain("  url:    %s", entry.Docset.BaseURL)
				p.Plain("  status: %s", entry.Docset.Status)
				p.Plain("  pages:  %d total / %d indexed / %d pending / %d error / %d skipped",
					st.TotalPages, st.IndexedPages, st.PendingPages, st.ErrorPages, st.SkippedPages)
				p.Plain("  chunks: %d", st.TotalChunks)
				if len(entry.StuckPages) > 0 {
					p.Warn("  stuck pages:")
					for _, page := range entry.StuckPages {
						p.Plain("    %s (%s)", page.URL, page.Status)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeStuck, "stuck", false, "list pages stranded in flight")
	return cmd
}
