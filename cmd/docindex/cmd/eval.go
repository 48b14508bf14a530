package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/output"
)

func newEvalCmd() *cobra.Command {
	var (
		relevant   []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "eval <query>",
		Short: "Measure precision and recall of a query",
		Long: `Run the query and compare the top results with a judged set of
relevant files, reporting precision, recall and F1.`,
		Example: `  docindex eval "cat" --relevant notes/cats.txt --relevant notes/pets.txt`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())
			query := strings.Join(args, " ")

			root, err := resolveRoot("")
			if err != nil {
				return err
			}
			a, err := openApp(ctx, root, appOptions{requireIndex: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ev, err := a.engine.Evaluate(ctx, query, relevant)
			if err != nil {
				return err
			}
			if jsonOutput {
				return out.JSON(ev)
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Query:     %s\n", ev.Query)
			_, _ = fmt.Fprintf(w, "Retrieved: %d (%d relevant)\n", ev.RetrievedCount, ev.TruePositives)
			_, _ = fmt.Fprintf(w, "Precision: %.3f\n", ev.Precision)
			_, _ = fmt.Fprintf(w, "Recall:    %.3f\n", ev.Recall)
			_, _ = fmt.Fprintf(w, "F1:        %.3f\n", ev.F1)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&relevant, "relevant", nil, "Path of a relevant file (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("relevant")
	return cmd
}
