package cmd

import (
	"os"

	"github.com/spf13/cobra"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/ui"
)

func newDocsetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsets",
		Short: "Manage indexed docsets",
	}
	cmd.AddCommand(newDocsetsListCmd())
	cmd.AddCommand(newDocsetsRmCmd())
	cmd.AddCommand(newDocsetsExportCmd())
	return cmd
}

func newDocsetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List docsets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			docsets, err := a.engine.Meta.ListDocsets(cmd.Context())
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout(), false)
			if len(docsets) == 0 {
				p.Warn("no docsets")
				return nil
			}
			for _, d := range docsets {
				p.Plain("%s  %-24s %-10s %s", d.ID, d.Name, d.Status, d.BaseURL)
			}
			return nil
		},
	}
}

func newDocsetsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <docsetId>",
		Short: "Delete a docset and all its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.DeleteDocset(cmd.Context(), args[0]); err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout(), false).Success("deleted %s", args[0])
			return nil
		},
	}
}

func newDocsetsExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <docsetId>",
		Short: "Export a docset's cached pages as Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			docset, err := a.engine.Meta.GetDocset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if docset == nil {
				return oerrors.NotFound("docset", args[0])
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			n, err := a.engine.Cache.Export(w, docset.BaseURL)
			if err != nil {
				return err
			}
			if out != "" {
				ui.NewPrinter(cmd.OutOrStdout(), false).Success("exported %d pages to %s", n, out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write to a file instead of stdout")
	return cmd
}
