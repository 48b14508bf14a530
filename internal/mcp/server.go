package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/docindex/internal/search"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/internal/telemetry"
	"github.com/Aman-CERP/docindex/pkg/version"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

// Engine is the part of search.Engine the server needs.
type Engine interface {
	SearchWithFallback(ctx context.Context, query string, topK int) search.Response
	Search(ctx context.Context, query string, topK int) ([]search.Result, error)
	Stats(ctx context.Context) (search.Stats, error)
	Documents(ctx context.Context) ([]search.DocumentInfo, error)
	Document(ctx context.Context, id int64) (*store.Document, error)
}

// Server is the MCP server for docindex.
type Server struct {
	mcp      *mcp.Server
	engine   Engine
	queryLog *telemetry.QueryLog
	rootPath string
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithQueryLog exposes the query log through index_stats and the
// docindex://queries resource.
func WithQueryLog(l *telemetry.QueryLog) ServerOption {
	return func(s *Server) { s.queryLog = l }
}

// WithRootPath reports the watched root in index_stats.
func WithRootPath(root string) ServerOption {
	return func(s *Server) { s.rootPath = root }
}

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        "search",
		Description: "Ranked keyword search over the indexed documents (BM25). Set fallback to get a generated answer when no document matches.",
	},
	{
		Name:        "index_stats",
		Description: "Report the number of indexed documents, their average length, the vocabulary size and a summary of recent queries.",
	},
}

// NewServer creates a new MCP server over engine.
func NewServer(engine Engine, opts ...ServerOption) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}

	s := &Server{
		engine: engine,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "mcp"))

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "docindex",
			Version: version.Version,
		},
		nil, // capabilities are inferred from registered tools/resources
	)

	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[0].Name,
		Description: tools[0].Description,
	}, s.mcpSearchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[1].Name,
		Description: tools[1].Description,
	}, s.mcpIndexStatsHandler)

	s.logger.Debug("MCP tools registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with loosely typed arguments, as decoded
// from JSON.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "search":
		input := SearchInput{}
		input.Query, _ = args["query"].(string)
		if l, ok := args["limit"].(float64); ok {
			input.Limit = int(l)
		}
		input.Fallback, _ = args["fallback"].(bool)
		return s.handleSearch(ctx, input)
	case "index_stats":
		return s.handleIndexStats(ctx)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	output, err := s.handleSearch(ctx, input)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatResponse(input.Query, toResponse(output))}},
	}, output, nil
}

func (s *Server) mcpIndexStatsHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatsInput) (
	*mcp.CallToolResult,
	IndexStatsOutput,
	error,
) {
	output, err := s.handleIndexStats(ctx)
	if err != nil {
		return nil, IndexStatsOutput{}, err
	}
	return nil, output, nil
}

// handleSearch validates the input and runs the query. Search failures are
// reported inside the output, never as protocol errors.
func (s *Server) handleSearch(ctx context.Context, input SearchInput) (SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return SearchOutput{}, NewInvalidParamsError("query cannot be empty or whitespace only")
	}
	limit := clampLimit(input.Limit, defaultLimit, 1, maxLimit)

	start := time.Now()
	requestID := generateRequestID()
	s.logger.Info("search started",
		slog.String("request_id", requestID),
		slog.String("query", input.Query),
		slog.Int("limit", limit),
		slog.Bool("fallback", input.Fallback))

	var resp search.Response
	if input.Fallback {
		resp = s.engine.SearchWithFallback(ctx, input.Query, limit)
	} else {
		results, err := s.engine.Search(ctx, input.Query, limit)
		if err != nil {
			resp = search.Response{Kind: search.KindError, Results: []search.Result{}, Error: err.Error()}
		} else {
			resp = search.Response{Kind: search.KindResults, Results: results}
		}
	}

	s.logger.Info("search completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.String("kind", string(resp.Kind)),
		slog.Int("result_count", len(resp.Results)))

	return toSearchOutput(resp), nil
}

func (s *Server) handleIndexStats(ctx context.Context) (IndexStatsOutput, error) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		s.logger.Error("index_stats failed", slog.String("error", err.Error()))
		return IndexStatsOutput{}, MapError(err)
	}

	out := IndexStatsOutput{
		RootPath:       s.rootPath,
		Documents:      stats.Documents,
		AverageLength:  stats.AverageLength,
		VocabularySize: stats.VocabularySize,
	}
	if s.queryLog != nil {
		out.Queries = toQuerySummary(s.queryLog.Snapshot())
	}
	return out, nil
}

// Serve runs the server on the given transport until ctx is done.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("Starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped gracefully")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

func toResponse(out SearchOutput) search.Response {
	resp := search.Response{
		Kind:         search.ResponseKind(out.Kind),
		UsedFallback: out.UsedFallback,
		Error:        out.Error,
		Results:      make([]search.Result, 0, len(out.Results)),
	}
	for _, r := range out.Results {
		resp.Results = append(resp.Results, search.Result{
			DocID:     r.DocID,
			Title:     r.Title,
			Path:      r.Path,
			Score:     r.Score,
			Preview:   r.Preview,
			Generated: r.Generated,
		})
	}
	return resp
}

// clampLimit returns def for limit <= 0, otherwise limit bounded to [lo, hi].
func clampLimit(limit, def, lo, hi int) int {
	if limit <= 0 {
		return def
	}
	return max(lo, min(limit, hi))
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
