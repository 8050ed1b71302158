package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/memoracle/memoracle/internal/engine"
	"github.com/memoracle/memoracle/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var docsets []string
	var topK int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed documentation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			query := args[0]
			for _, arg := range args[1:] {
				query += " " + arg
			}

			resp, err := a.engine.Search(cmd.Context(), engine.SearchRequest{
				Query:     query,
				DocsetIDs: docsets,
				TopK:      topK,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			p := ui.NewPrinter(cmd.OutOrStdout(), false)
			if len(resp.Results) == 0 {
				p.Warn("no results for %q", query)
				return nil
			}
			for i, r := range resp.Results {
				if i > 0 {
					p.Plain("")
				}
				if r.Snippet != nil {
					p.Plain("%s", r.Snippet.Formatted)
					p.Dim("score %.3f (vector %.3f, keyword %.3f)",
						r.HybridScore, r.VectorScore, r.KeywordScore)
				} else {
					p.Header("%s", r.Title)
					p.Dim("%s  score %.3f", r.URL, r.HybridScore)
					p.Plain("%s", r.Content)
				}
			}
			if resp.Truncated {
				p.Dim("(truncated at %d chars)", resp.TotalChars)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&docsets, "docset", nil, "limit to docset ids")
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum results (default 10)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit raw JSON")
	return cmd
}
