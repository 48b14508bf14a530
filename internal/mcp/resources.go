package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/docindex/internal/store"
)

const (
	documentsURI      = "docindex://documents"
	documentURIPrefix = "docindex://documents/"
	queriesURI        = "docindex://queries"
)

// MaxResourceSize caps the content returned for a single document (1MB).
const MaxResourceSize = 1024 * 1024

// QueryLogOutput is the JSON structure for the queries resource.
type QueryLogOutput struct {
	Summary             QuerySummary     `json:"summary"`
	OutcomeCounts       map[string]int64 `json:"outcome_counts"`
	TopTerms            []QueryTermCount `json:"top_terms"`
	UnansweredQueries   []string         `json:"unanswered_queries"`
	LatencyDistribution map[string]int64 `json:"latency_distribution"`
}

// QueryTermCount represents a term and its frequency.
type QueryTermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

func (s *Server) registerResources() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "documents",
			URI:         documentsURI,
			Description: "Every indexed document with its id, title, path and length",
			MIMEType:    "application/json",
		},
		s.handleDocumentsResource,
	)

	s.mcp.AddResourceTemplate(
		&mcp.ResourceTemplate{
			Name:        "document",
			URITemplate: documentURIPrefix + "{id}",
			Description: "Indexed content of one document",
			MIMEType:    "text/plain",
		},
		s.handleDocumentResource,
	)

	if s.queryLog != nil {
		s.mcp.AddResource(
			&mcp.Resource{
				Name:        "queries",
				URI:         queriesURI,
				Description: "Recent query patterns: outcomes, top terms and unanswered queries",
				MIMEType:    "application/json",
			},
			s.handleQueriesResource,
		)
	}
}

func (s *Server) handleDocumentsResource(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	docs, err := s.engine.Documents(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	content, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return textResult(documentsURI, "application/json", string(content)), nil
}

func (s *Server) handleDocumentResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := ""
	if req != nil && req.Params != nil {
		uri = req.Params.URI
	}
	return s.readDocument(ctx, uri)
}

// readDocument serves docindex://documents/{id} from the indexed content,
// so a client sees exactly what was ranked.
func (s *Server) readDocument(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	raw, ok := strings.CutPrefix(uri, documentURIPrefix)
	if !ok {
		return nil, NewResourceNotFoundError(uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, NewInvalidParamsError("invalid document id: " + raw)
	}

	doc, err := s.engine.Document(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewResourceNotFoundError(uri)
		}
		return nil, MapError(err)
	}

	content := doc.Content
	if len(content) > MaxResourceSize {
		content = strings.ToValidUTF8(content[:MaxResourceSize], "")
	}
	return textResult(uri, "text/plain", content), nil
}

func (s *Server) handleQueriesResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	snapshot := s.queryLog.Snapshot()

	output := QueryLogOutput{
		Summary:             *toQuerySummary(snapshot),
		OutcomeCounts:       make(map[string]int64, len(snapshot.OutcomeCounts)),
		TopTerms:            make([]QueryTermCount, 0, len(snapshot.TopTerms)),
		UnansweredQueries:   snapshot.UnansweredQueries,
		LatencyDistribution: make(map[string]int64, len(snapshot.LatencyDistribution)),
	}
	for outcome, count := range snapshot.OutcomeCounts {
		output.OutcomeCounts[string(outcome)] = count
	}
	for _, tc := range snapshot.TopTerms {
		output.TopTerms = append(output.TopTerms, QueryTermCount{Term: tc.Term, Count: tc.Count})
	}
	for bucket, count := range snapshot.LatencyDistribution {
		output.LatencyDistribution[string(bucket)] = count
	}

	content, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return textResult(queriesURI, "application/json", string(content)), nil
}

func textResult(uri, mimeType, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: mimeType,
				Text:     text,
			},
		},
	}
}
