package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
	"github.com/Aman-CERP/docindex/internal/search"
	"github.com/Aman-CERP/docindex/internal/store"
	"github.com/Aman-CERP/docindex/internal/telemetry"
)

// fakeEngine implements Engine for testing.
type fakeEngine struct {
	results   []search.Result
	searchErr error
	fallback  search.Response
	stats     search.Stats
	statsErr  error
	docs      map[int64]*store.Document
	lastTopK  int
	searches  int
	fallbacks int
}

func (f *fakeEngine) Search(_ context.Context, _ string, topK int) ([]search.Result, error) {
	f.searches++
	f.lastTopK = topK
	return f.results, f.searchErr
}

func (f *fakeEngine) SearchWithFallback(_ context.Context, _ string, topK int) search.Response {
	f.fallbacks++
	f.lastTopK = topK
	return f.fallback
}

func (f *fakeEngine) Stats(context.Context) (search.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeEngine) Documents(context.Context) ([]search.DocumentInfo, error) {
	out := make([]search.DocumentInfo, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, search.DocumentInfo{ID: d.ID, Title: d.Title, Path: d.Path, Length: d.Length})
	}
	return out, nil
}

func (f *fakeEngine) Document(_ context.Context, id int64) (*store.Document, error) {
	if d, ok := f.docs[id]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func catResults() []search.Result {
	return []search.Result{
		{DocID: 1, Title: "a", Path: "/docs/a.txt", Score: 0.42, Preview: "cat dog"},
		{DocID: 2, Title: "b", Path: "/docs/b.txt", Score: 0.21, Preview: "cat dog dog"},
	}
}

func newTestServer(t *testing.T, engine *fakeEngine, opts ...ServerOption) *Server {
	t.Helper()
	s, err := NewServer(engine, opts...)
	require.NoError(t, err)
	return s
}

func TestNewServer_RequiresEngine(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}

func TestServer_ListTools(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	names := make([]string, 0)
	for _, tool := range s.ListTools() {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
	assert.Equal(t, []string{"search", "index_stats"}, names)
}

func TestServer_Search_ReturnsRankedResults(t *testing.T) {
	// Given: an engine with two matches
	engine := &fakeEngine{results: catResults()}
	s := newTestServer(t, engine)

	// When: the search tool is called without fallback
	got, err := s.CallTool(context.Background(), "search", map[string]any{"query": "cat", "limit": float64(5)})

	// Then: results are returned in order and fallback is not consulted
	require.NoError(t, err)
	out := got.(SearchOutput)
	assert.Equal(t, "results", out.Kind)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "/docs/a.txt", out.Results[0].Path)
	assert.Equal(t, int64(1), out.Results[0].DocID)
	assert.Equal(t, int64(2), out.Results[1].DocID)
	assert.False(t, out.UsedFallback)
	assert.Equal(t, 5, engine.lastTopK)
	assert.Equal(t, 0, engine.fallbacks)
}

func TestServer_Search_WithFallback(t *testing.T) {
	engine := &fakeEngine{fallback: search.Response{
		Kind:         search.KindGenerated,
		UsedFallback: true,
		Results: []search.Result{
			{Title: "Answer: unicorn", Score: 1, Preview: "A mythical horse.", Generated: true},
		},
	}}
	s := newTestServer(t, engine)

	got, err := s.CallTool(context.Background(), "search", map[string]any{"query": "unicorn", "fallback": true})

	require.NoError(t, err)
	out := got.(SearchOutput)
	assert.Equal(t, "generated", out.Kind)
	assert.True(t, out.UsedFallback)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Generated)
	assert.Zero(t, out.Results[0].DocID)
	assert.Equal(t, 1, engine.fallbacks)
	assert.Equal(t, 0, engine.searches)
}

func TestServer_Search_EngineErrorIsReportedInOutput(t *testing.T) {
	engine := &fakeEngine{searchErr: derrors.New(derrors.ErrCodeSearchFailed, "read failed", nil)}
	s := newTestServer(t, engine)

	got, err := s.CallTool(context.Background(), "search", map[string]any{"query": "cat"})

	require.NoError(t, err)
	out := got.(SearchOutput)
	assert.Equal(t, "error", out.Kind)
	assert.Contains(t, out.Error, "read failed")
	assert.NotNil(t, out.Results)
}

func TestServer_Search_InvalidInput(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	for _, query := range []any{nil, "", "   "} {
		_, err := s.CallTool(context.Background(), "search", map[string]any{"query": query})
		var mcpErr *MCPError
		require.ErrorAs(t, err, &mcpErr)
		assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
	}
}

func TestServer_CallTool_Unknown(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	_, err := s.CallTool(context.Background(), "search_code", nil)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeMethodNotFound, mcpErr.Code)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, defaultLimit},
		{"negative uses default", -3, defaultLimit},
		{"within range", 7, 7},
		{"above max", 500, maxLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampLimit(tt.limit, defaultLimit, 1, maxLimit))
		})
	}
}

func TestServer_IndexStats(t *testing.T) {
	// Given: an engine with stats and a query log with one unanswered query
	log := telemetry.NewQueryLog(telemetry.DefaultQueryLogConfig())
	log.Record(telemetry.QueryEvent{Query: "cat", Terms: []string{"cat"}, Outcome: telemetry.OutcomeResults, ResultCount: 2})
	log.Record(telemetry.QueryEvent{Query: "unicorn", Terms: []string{"unicorn"}, Outcome: telemetry.OutcomeEmpty})
	engine := &fakeEngine{stats: search.Stats{Documents: 2, AverageLength: 3.5, VocabularySize: 2}}
	s := newTestServer(t, engine, WithQueryLog(log), WithRootPath("/docs"))

	// When: index_stats is called
	got, err := s.CallTool(context.Background(), "index_stats", nil)

	// Then: stats and the query summary are reported
	require.NoError(t, err)
	out := got.(IndexStatsOutput)
	assert.Equal(t, "/docs", out.RootPath)
	assert.Equal(t, 2, out.Documents)
	assert.InDelta(t, 3.5, out.AverageLength, 1e-9)
	assert.Equal(t, 2, out.VocabularySize)
	require.NotNil(t, out.Queries)
	assert.Equal(t, int64(2), out.Queries.Total)
	assert.InDelta(t, 50.0, out.Queries.UnansweredPct, 1e-9)
}

func TestServer_IndexStats_StoreError(t *testing.T) {
	engine := &fakeEngine{statsErr: derrors.New(derrors.ErrCodeStoreFailed, "database is closed", store.ErrClosed)}
	s := newTestServer(t, engine)

	_, err := s.CallTool(context.Background(), "index_stats", nil)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeIndexUnavailable, mcpErr.Code)
}

func TestServer_ReadDocument(t *testing.T) {
	engine := &fakeEngine{docs: map[int64]*store.Document{
		7: {ID: 7, Title: "a", Path: "/docs/a.txt", Content: "cat dog", Length: 2},
	}}
	s := newTestServer(t, engine)

	res, err := s.readDocument(context.Background(), "docindex://documents/7")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "cat dog", res.Contents[0].Text)

	_, err = s.readDocument(context.Background(), "docindex://documents/8")
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeMethodNotFound, mcpErr.Code)

	_, err = s.readDocument(context.Background(), "docindex://documents/abc")
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestServer_OverInMemoryTransport(t *testing.T) {
	// Given: a server connected to a client through in-memory transports
	engine := &fakeEngine{
		results: catResults(),
		stats:   search.Stats{Documents: 2, AverageLength: 2.5, VocabularySize: 2},
		docs:    map[int64]*store.Document{1: {ID: 1, Title: "a", Path: "/docs/a.txt", Content: "cat dog"}},
	}
	s := newTestServer(t, engine, WithQueryLog(telemetry.NewQueryLog(telemetry.DefaultQueryLogConfig())))

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer func() { _ = serverSession.Close() }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	// When: the client lists and calls tools
	listed, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"search", "index_stats"}, names)

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "search",
		Arguments: map[string]any{"query": "cat"},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	// Then: the markdown text and the structured output agree
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Found 2 results")

	raw, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)
	var out SearchOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Len(t, out.Results, 2)

	// And: resources are readable
	read, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: "docindex://documents/1"})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "cat dog", read.Contents[0].Text)

	read, err = session.ReadResource(ctx, &mcp.ReadResourceParams{URI: "docindex://queries"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(read.Contents[0].Text, "total"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"file not found", derrors.New(derrors.ErrCodeFileNotFound, "gone", nil), ErrCodeFileNotFound},
		{"too large", derrors.New(derrors.ErrCodeFileTooLarge, "big", nil), ErrCodeFileTooLarge},
		{"retries exhausted", derrors.New(derrors.ErrCodeRetriesExhausted, "busy", nil), ErrCodeIndexUnavailable},
		{"invalid input", derrors.New(derrors.ErrCodeInvalidInput, "bad", nil), ErrCodeInvalidParams},
		{"circuit open", derrors.New(derrors.ErrCodeProviderCircuitOpen, "open", nil), ErrCodeFallbackFailed},
		{"provider timeout", derrors.New(derrors.ErrCodeProviderTimeout, "slow", nil), ErrCodeTimeout},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"not found", store.ErrNotFound, ErrCodeInvalidParams},
		{"unknown", errors.New("boom"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapError(tt.err).Code)
		})
	}

	assert.Nil(t, MapError(nil))
}

func TestFormatResponse(t *testing.T) {
	t.Run("results", func(t *testing.T) {
		md := FormatResponse("cat", search.Response{Kind: search.KindResults, Results: catResults()})
		assert.Contains(t, md, "## Search Results for \"cat\"")
		assert.Contains(t, md, "### 1. a (score: 0.420)")
		assert.Contains(t, md, "`/docs/b.txt`")
	})

	t.Run("no results", func(t *testing.T) {
		md := FormatResponse("zebra", search.Response{Kind: search.KindResults})
		assert.Equal(t, "No results found for \"zebra\"", md)
	})

	t.Run("generated", func(t *testing.T) {
		md := FormatResponse("unicorn", search.Response{
			Kind:    search.KindGenerated,
			Results: []search.Result{{Preview: "A mythical horse.", Generated: true}},
		})
		assert.Contains(t, md, "Generated Answer")
		assert.Contains(t, md, "A mythical horse.")
	})

	t.Run("fallback failure", func(t *testing.T) {
		md := FormatResponse("unicorn", search.Response{Kind: search.KindError, UsedFallback: true, Error: "circuit open"})
		assert.Contains(t, md, "no answer could be generated: circuit open")
	})
}

func TestSearchOutput_JSONCarriesDocID(t *testing.T) {
	out := toSearchOutput(search.Response{Kind: search.KindResults, Results: catResults()})

	data, err := json.Marshal(out)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"doc_id":1`)
	assert.Equal(t, int64(2), toResponse(out).Results[1].DocID)
}
