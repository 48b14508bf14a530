package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/output"
	"github.com/Aman-CERP/docindex/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	format   string // "text", "json"
	fallback bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Rank indexed documents against the query with BM25.

With --fallback, a query that matches nothing is answered by the
configured Ollama model instead.

Examples:
  docindex search "cat food"
  docindex search "lost password" --limit 3
  docindex search "unicorn" --fallback --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.fallback, "fallback", false, "Generate an answer when no document matches")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return derrors.New(derrors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown format %q", opts.format), nil).
			WithSuggestion("Use --format text or --format json")
	}
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

	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))

	var resp search.Response
	if opts.fallback {
		resp = a.engine.SearchWithFallback(ctx, query, opts.limit)
	} else {
		results, err := a.engine.Search(ctx, query, opts.limit)
		if err != nil {
			return err
		}
		resp = search.Response{Kind: search.KindResults, Results: results}
	}

	if opts.format == "json" {
		if err := out.JSON(resp); err != nil {
			return err
		}
	} else {
		out.Response(query, resp)
	}

	if resp.Kind == search.KindError {
		return derrors.New(derrors.ErrCodeSearchFailed, resp.Error, nil)
	}
	return nil
}
