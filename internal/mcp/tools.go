package mcp

import (
	"github.com/Aman-CERP/docindex/internal/search"
	"github.com/Aman-CERP/docindex/internal/telemetry"
)

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query    string `json:"query" jsonschema:"the search query to execute"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Fallback bool   `json:"fallback,omitempty" jsonschema:"generate an answer when no document matches"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Kind         string               `json:"kind" jsonschema:"results, generated or error"`
	Results      []SearchResultOutput `json:"results" jsonschema:"ranked documents, or one generated answer"`
	UsedFallback bool                 `json:"used_fallback" jsonschema:"true if the answer generator was consulted"`
	Error        string               `json:"error,omitempty" jsonschema:"failure message when kind is error"`
}

// SearchResultOutput is one ranked document or generated answer.
type SearchResultOutput struct {
	DocID     int64   `json:"doc_id" jsonschema:"document id, 0 for a generated answer"`
	Title     string  `json:"title" jsonschema:"document title (file name without extension)"`
	Path      string  `json:"path,omitempty" jsonschema:"absolute path of the source file"`
	Score     float64 `json:"score" jsonschema:"BM25 relevance score"`
	Preview   string  `json:"preview" jsonschema:"start of the document content, or the generated answer"`
	Generated bool    `json:"generated,omitempty" jsonschema:"true for a generated answer"`
}

// IndexStatsInput defines the input schema for the index_stats tool (no parameters).
type IndexStatsInput struct{}

// IndexStatsOutput defines the output schema for the index_stats tool.
type IndexStatsOutput struct {
	RootPath       string        `json:"root_path,omitempty"`
	Documents      int           `json:"documents"`
	AverageLength  float64       `json:"average_length"`
	VocabularySize int           `json:"vocabulary_size"`
	Queries        *QuerySummary `json:"queries,omitempty"`
}

// QuerySummary condenses the query log for index_stats.
type QuerySummary struct {
	Total         int64   `json:"total"`
	UnansweredPct float64 `json:"unanswered_pct"`
	ExactRepeats  int64   `json:"exact_repeats"`
}

func toSearchOutput(resp search.Response) SearchOutput {
	out := SearchOutput{
		Kind:         string(resp.Kind),
		Results:      make([]SearchResultOutput, 0, len(resp.Results)),
		UsedFallback: resp.UsedFallback,
		Error:        resp.Error,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, SearchResultOutput{
			DocID:     r.DocID,
			Title:     r.Title,
			Path:      r.Path,
			Score:     r.Score,
			Preview:   r.Preview,
			Generated: r.Generated,
		})
	}
	return out
}

func toQuerySummary(snap *telemetry.QueryLogSnapshot) *QuerySummary {
	if snap == nil {
		return nil
	}
	return &QuerySummary{
		Total:         snap.TotalQueries,
		UnansweredPct: snap.UnansweredPercentage(),
		ExactRepeats:  snap.ExactRepeatCount,
	}
}
