package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/output"
	"github.com/Aman-CERP/docindex/internal/search"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove a document from the index",
		Long: `Remove the document indexed for path. The file on disk is not touched.
Removing a path that is not indexed succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			root, err := resolveRoot("")
			if err != nil {
				return err
			}
			a, err := openApp(ctx, root, appOptions{requireIndex: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			path, err := search.CanonicalPath(args[0])
			if err != nil {
				return err
			}
			if err := a.engine.RemoveDocument(ctx, path); err != nil {
				return err
			}
			out.Successf("Removed %s", path)
			return nil
		},
	}
}
