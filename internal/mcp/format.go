package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/docindex/internal/search"
)

// FormatResponse renders a search response as markdown for clients that
// display text content.
func FormatResponse(query string, resp search.Response) string {
	switch resp.Kind {
	case search.KindError:
		if resp.UsedFallback {
			return fmt.Sprintf("No documents matched \"%s\" and no answer could be generated: %s", query, resp.Error)
		}
		if resp.Error != "" {
			return fmt.Sprintf("No documents matched \"%s\": %s", query, resp.Error)
		}
		return fmt.Sprintf("No results found for \"%s\"", query)
	case search.KindGenerated:
		return formatGenerated(query, resp.Results)
	}

	if len(resp.Results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results for \"%s\"\n\n", query)
	fmt.Fprintf(&sb, "Found %d result", len(resp.Results))
	if len(resp.Results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range resp.Results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatGenerated(query string, results []search.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Generated Answer for \"%s\"\n\n", query)
	sb.WriteString("_No indexed document matched; this answer was generated by a language model._\n\n")
	for _, r := range results {
		sb.WriteString(r.Preview)
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, num int, r search.Result) {
	fmt.Fprintf(sb, "### %d. %s (score: %.3f)\n", num, r.Title, r.Score)
	if r.Path != "" {
		fmt.Fprintf(sb, "`%s`\n", r.Path)
	}
	if r.Preview != "" {
		sb.WriteString("\n> ")
		sb.WriteString(strings.ReplaceAll(strings.TrimSpace(r.Preview), "\n", "\n> "))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}
