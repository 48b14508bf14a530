// Package telemetry collects search and indexing telemetry: Prometheus
// collectors for scraping, and an in-process query log for the stats
// command and the MCP index_stats tool. Nothing is reported externally.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Outcome classifies how a query was answered.
type Outcome string

const (
	OutcomeResults   Outcome = "results"
	OutcomeGenerated Outcome = "generated"
	OutcomeEmpty     Outcome = "empty"
	OutcomeError     Outcome = "error"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent represents a single search for telemetry recording.
type QueryEvent struct {
	Query       string
	Terms       []string
	Outcome     Outcome
	ResultCount int
	Latency     time.Duration
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryLogSnapshot is an immutable snapshot of the query log.
type QueryLogSnapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	OutcomeCounts       map[Outcome]int64       `json:"outcome_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	UnansweredQueries   []string                `json:"unanswered_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// UnansweredPercentage returns the share of queries no document matched.
func (s *QueryLogSnapshot) UnansweredPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	unanswered := s.TotalQueries - s.OutcomeCounts[OutcomeResults]
	return float64(unanswered) / float64(s.TotalQueries) * 100
}

// QueryLogConfig sizes the query log.
type QueryLogConfig struct {
	TopTermsCapacity      int // default 100
	UnansweredCapacity    int // default 100
	RecentQueriesCapacity int // default 500
}

// DefaultQueryLogConfig returns sensible defaults.
func DefaultQueryLogConfig() QueryLogConfig {
	return QueryLogConfig{
		TopTermsCapacity:      100,
		UnansweredCapacity:    100,
		RecentQueriesCapacity: 500,
	}
}

// QueryLog aggregates recent queries in memory. Safe for concurrent use.
type QueryLog struct {
	mu sync.RWMutex

	outcomes         map[Outcome]int64
	topTerms         *lru.Cache[string, int64]
	unanswered       *CircularBuffer[string]
	latencies        map[LatencyBucket]int64
	recentQueries    *lru.Cache[string, struct{}]
	totalQueries     int64
	exactRepeatCount int64
	startTime        time.Time
}

// NewQueryLog creates a query log with the given configuration.
func NewQueryLog(cfg QueryLogConfig) *QueryLog {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.UnansweredCapacity <= 0 {
		cfg.UnansweredCapacity = 100
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = 500
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	return &QueryLog{
		outcomes:      make(map[Outcome]int64),
		topTerms:      topTerms,
		unanswered:    NewCircularBuffer[string](cfg.UnansweredCapacity),
		latencies:     make(map[LatencyBucket]int64),
		recentQueries: recent,
		startTime:     time.Now(),
	}
}

// Record captures one query. A nil log ignores the call.
func (l *QueryLog) Record(event QueryEvent) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalQueries++
	l.outcomes[event.Outcome]++

	for _, term := range event.Terms {
		count, _ := l.topTerms.Get(term)
		l.topTerms.Add(term, count+1)
	}

	if event.Outcome != OutcomeResults && strings.TrimSpace(event.Query) != "" {
		l.unanswered.Add(event.Query)
	}

	l.latencies[LatencyToBucket(event.Latency)]++

	key := hashQuery(event.Query)
	if _, seen := l.recentQueries.Get(key); seen {
		l.exactRepeatCount++
	}
	l.recentQueries.Add(key, struct{}{})
}

// hashQuery creates a normalized hash of the query for repetition detection.
func hashQuery(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:16])
}

// Snapshot returns current aggregates, top terms by descending count.
func (l *QueryLog) Snapshot() *QueryLogSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	outcomes := make(map[Outcome]int64, len(l.outcomes))
	for k, v := range l.outcomes {
		outcomes[k] = v
	}

	var topTerms []TermCount
	for _, key := range l.topTerms.Keys() {
		if count, ok := l.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.SliceStable(topTerms, func(i, j int) bool {
		if topTerms[i].Count != topTerms[j].Count {
			return topTerms[i].Count > topTerms[j].Count
		}
		return topTerms[i].Term < topTerms[j].Term
	})

	latencies := make(map[LatencyBucket]int64, len(l.latencies))
	for k, v := range l.latencies {
		latencies[k] = v
	}

	return &QueryLogSnapshot{
		TotalQueries:        l.totalQueries,
		OutcomeCounts:       outcomes,
		TopTerms:            topTerms,
		UnansweredQueries:   l.unanswered.Items(),
		LatencyDistribution: latencies,
		ExactRepeatCount:    l.exactRepeatCount,
		Since:               l.startTime,
	}
}
