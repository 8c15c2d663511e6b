// Package query answers knowledge questions and keeps the query log that
// gap analytics are built on.
//
// Failure policy: a query must never 500 because the model or the store
// hiccuped. Internal failures degrade to an empty result set, tagged with
// ErrDegraded so callers can tell "we found nothing" from "we could not
// look". The query log entry is appended in every case, including degraded
// ones — gap analytics depend on seeing every question that was asked.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weaverhq/knowledge-weaver/internal/jsonl"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/redact"
)

var (
	// ErrEmptyQuery indicates the query text was empty or whitespace.
	ErrEmptyQuery = errors.New("query text is empty")

	// ErrDegraded indicates an internal failure was converted into an empty
	// result set. The result accompanying this error is safe to serve.
	ErrDegraded = errors.New("query degraded to empty results")
)

// Embedder produces query embeddings.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs similarity searches against the knowledge store.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, opts knowledge.SearchOpts) ([]knowledge.Match, error)
}

// LogEntry is one line of the query log.
type LogEntry struct {
	QueryID          uuid.UUID `json:"query_id"`
	Timestamp        time.Time `json:"timestamp"`
	Query            string    `json:"query"`
	VerifiedOnly     bool      `json:"verified_only"`
	ResultCount      int       `json:"result_count"`
	HasResults       bool      `json:"has_results"`
	TopSimilarity    float64   `json:"top_similarity,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Error            string    `json:"error,omitempty"`
}

// Result is the answer to one query.
type Result struct {
	QueryID          uuid.UUID         `json:"query_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Query            string            `json:"query"`
	Matches          []knowledge.Match `json:"matches"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
}

// Gap is a question the knowledge base could not answer, aggregated by
// exact query text.
type Gap struct {
	Query     string    `json:"query"`
	Count     int       `json:"count"`
	LastAsked time.Time `json:"last_asked"`
}

// DefaultGapWindowDays is the default lookback for gap analytics.
const DefaultGapWindowDays = 7

// Service answers queries and owns the query log.
type Service struct {
	embedder Embedder
	searcher Searcher
	queryLog *jsonl.Appender
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a query Service. queryLog receives one LogEntry per
// query, answered or not.
func NewService(embedder Embedder, searcher Searcher, queryLog *jsonl.Appender, logger *slog.Logger) (*Service, error) {
	if embedder == nil || searcher == nil || queryLog == nil {
		return nil, fmt.Errorf("embedder, searcher, and query log are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		searcher: searcher,
		queryLog: queryLog,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Query runs a similarity search for text.
//
// The returned error is ErrEmptyQuery for blank input, ErrDegraded when an
// internal failure produced an empty-but-servable result, or nil.
func (s *Service) Query(ctx context.Context, text string, verifiedOnly bool) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyQuery
	}
	// The query text ends up in the log and in the embedding request; scrub
	// it like any other outbound text.
	text = redact.Redact(text)

	start := s.now()
	result := Result{
		QueryID:   uuid.New(),
		Timestamp: start,
		Query:     text,
		Matches:   []knowledge.Match{},
	}

	var internalErr error
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		internalErr = fmt.Errorf("embedding query: %w", err)
	} else {
		matches, searchErr := s.searcher.Search(ctx, vec, knowledge.SearchOpts{
			TopK:         knowledge.DefaultTopK,
			Threshold:    knowledge.DefaultThreshold,
			VerifiedOnly: verifiedOnly,
		})
		if searchErr != nil {
			internalErr = fmt.Errorf("searching: %w", searchErr)
		} else {
			result.Matches = matches
		}
	}
	result.ProcessingTimeMs = s.now().Sub(start).Milliseconds()

	entry := LogEntry{
		QueryID:          result.QueryID,
		Timestamp:        result.Timestamp,
		Query:            text,
		VerifiedOnly:     verifiedOnly,
		ResultCount:      len(result.Matches),
		HasResults:       len(result.Matches) > 0,
		ProcessingTimeMs: result.ProcessingTimeMs,
	}
	if len(result.Matches) > 0 {
		entry.TopSimilarity = result.Matches[0].Similarity
	}
	if internalErr != nil {
		entry.Error = internalErr.Error()
	}
	// Always log, even degraded queries. Gap analytics need every question.
	if logErr := s.queryLog.Append(entry); logErr != nil {
		s.logger.Error("appending query log entry", "error", logErr, "query_id", entry.QueryID)
	}

	if internalErr != nil {
		s.logger.Warn("query degraded to empty results", "query_id", result.QueryID, "error", internalErr)
		return result, fmt.Errorf("%w: %w", ErrDegraded, internalErr)
	}
	return result, nil
}

// Logs returns log entries within [start, end], newest first, up to limit.
// Zero time bounds are open-ended.
func (s *Service) Logs(start, end time.Time, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []LogEntry
	err := jsonl.ForEach(s.queryLog.Path(), func(line []byte) error {
		var e LogEntry
		if err := unmarshalLine(line, &e); err != nil {
			s.logger.Warn("skipping malformed query log line", "error", err)
			return nil
		}
		if !start.IsZero() && e.Timestamp.Before(start) {
			return nil
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading query log: %w", err)
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Volume counts queries asked in the last windowDays days.
func (s *Service) Volume(windowDays int) (int, error) {
	if windowDays <= 0 {
		windowDays = DefaultGapWindowDays
	}
	cutoff := s.now().AddDate(0, 0, -windowDays)

	count := 0
	err := jsonl.ForEach(s.queryLog.Path(), func(line []byte) error {
		var e LogEntry
		if err := unmarshalLine(line, &e); err != nil {
			return nil
		}
		if !e.Timestamp.Before(cutoff) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading query log: %w", err)
	}
	return count, nil
}

// Gaps aggregates zero-result queries from the last windowDays days by
// exact query text, most frequent first (ties broken by recency). These are
// the questions the knowledge base keeps failing to answer.
func (s *Service) Gaps(limit, windowDays int) ([]Gap, error) {
	if limit <= 0 {
		limit = 10
	}
	agg, err := s.aggregateGaps(windowDays)
	if err != nil {
		return nil, err
	}

	gaps := make([]Gap, 0, len(agg))
	for _, g := range agg {
		gaps = append(gaps, *g)
	}
	sortGaps(gaps)
	if len(gaps) > limit {
		gaps = gaps[:limit]
	}
	return gaps, nil
}

// GapCount counts the distinct zero-result queries in the window. Unlike
// Gaps it is never capped, so dashboards can show the true count next to a
// short display list.
func (s *Service) GapCount(windowDays int) (int, error) {
	agg, err := s.aggregateGaps(windowDays)
	if err != nil {
		return 0, err
	}
	return len(agg), nil
}

// aggregateGaps groups zero-result log entries by exact query text.
func (s *Service) aggregateGaps(windowDays int) (map[string]*Gap, error) {
	if windowDays <= 0 {
		windowDays = DefaultGapWindowDays
	}
	cutoff := s.now().AddDate(0, 0, -windowDays)

	agg := make(map[string]*Gap)
	err := jsonl.ForEach(s.queryLog.Path(), func(line []byte) error {
		var e LogEntry
		if err := unmarshalLine(line, &e); err != nil {
			s.logger.Warn("skipping malformed query log line", "error", err)
			return nil
		}
		if e.ResultCount > 0 || e.Timestamp.Before(cutoff) {
			return nil
		}
		g, ok := agg[e.Query]
		if !ok {
			g = &Gap{Query: e.Query}
			agg[e.Query] = g
		}
		g.Count++
		if e.Timestamp.After(g.LastAsked) {
			g.LastAsked = e.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading query log: %w", err)
	}
	return agg, nil
}
