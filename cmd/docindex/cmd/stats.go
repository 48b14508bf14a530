package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/docindex/internal/output"
)

// statsOutput is the JSON shape of 'docindex stats'.
type statsOutput struct {
	Root           string  `json:"root"`
	Documents      int     `json:"documents"`
	AverageLength  float64 `json:"average_length"`
	VocabularySize int     `json:"vocabulary_size"`
}

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Long:  `Show the number of indexed documents, their average length in terms and the vocabulary size.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			stats, err := a.engine.Stats(ctx)
			if err != nil {
				return err
			}
			so := statsOutput{
				Root:           root,
				Documents:      stats.Documents,
				AverageLength:  stats.AverageLength,
				VocabularySize: stats.VocabularySize,
			}
			if jsonOutput {
				return out.JSON(so)
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Index:          %s\n", so.Root)
			_, _ = fmt.Fprintf(w, "Documents:      %d\n", so.Documents)
			_, _ = fmt.Fprintf(w, "Average length: %.2f terms\n", so.AverageLength)
			_, _ = fmt.Fprintf(w, "Vocabulary:     %d terms\n", so.VocabularySize)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
