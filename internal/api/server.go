// Package api exposes the knowledge service as a JSON HTTP API.
//
// All /api/v1 routes require the pre-shared X-API-Key header; /health is
// deliberately outside the middleware stack so load balancers can probe
// without credentials.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/pipeline"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

// Analyzer is the slice of the gateway the API needs.
type Analyzer interface {
	Analyze(ctx context.Context, text string, examples []gateway.Example) (gateway.Analysis, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeStore is the slice of the knowledge store the API needs.
type KnowledgeStore interface {
	Add(ctx context.Context, entries []knowledge.Entry, embeddings [][]float32) ([]uuid.UUID, error)
	Update(ctx context.Context, id uuid.UUID, upd knowledge.UpdateFields) (*knowledge.Entry, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
	Recent(ctx context.Context, limit int, deletedOnly bool) ([]knowledge.Entry, error)
	Stats(ctx context.Context) (knowledge.Stats, error)
	TagFrequency(ctx context.Context, limit int) ([]knowledge.TagCount, error)
	FindSimilarVerified(ctx context.Context, embedding []float32, k int) ([]knowledge.Match, error)
	Ping(ctx context.Context) error
}

// Processor runs chat batches through the extraction pipeline.
type Processor interface {
	Process(ctx context.Context, msgs []gateway.Message, platform string) (pipeline.Result, error)
}

// QueryService answers queries and serves query-log analytics.
type QueryService interface {
	Query(ctx context.Context, text string, verifiedOnly bool) (query.Result, error)
	Logs(start, end time.Time, limit int) ([]query.LogEntry, error)
	Gaps(limit, windowDays int) ([]query.Gap, error)
	GapCount(windowDays int) (int, error)
	Volume(windowDays int) (int, error)
}

// LearningTracker records and reports curation feedback.
type LearningTracker interface {
	Record(entryID uuid.UUID, summary string, aiPred, human learning.Prediction) (*learning.Event, error)
	History(limit int) ([]learning.Event, error)
	Stats() (learning.Stats, error)
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger   *slog.Logger
	Gateway  Analyzer        // Required
	Store    KnowledgeStore  // Required
	Pipeline Processor       // Required
	Queries  QueryService    // Required
	Learning LearningTracker // Required

	APIKey      string   // Required: pre-shared key for X-API-Key
	CORSOrigins []string // Allowed origins for CORS
	TrustProxy  bool     // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int      // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Gateway == nil || cfg.Store == nil || cfg.Pipeline == nil ||
		cfg.Queries == nil || cfg.Learning == nil {
		return nil, errors.New("gateway, store, pipeline, queries, and learning are required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kh := &knowledgeHandler{
		gateway:  cfg.Gateway,
		store:    cfg.Store,
		learning: cfg.Learning,
		logger:   logger,
	}
	ch := &chatHandler{pipeline: cfg.Pipeline, logger: logger}
	qh := &queryHandler{queries: cfg.Queries, logger: logger}
	mh := &metricsHandler{
		store:    cfg.Store,
		queries:  cfg.Queries,
		learning: cfg.Learning,
		logger:   logger,
	}

	mux := http.NewServeMux()

	// Ingestion and classification
	mux.HandleFunc("POST /api/v1/ingest", kh.ingest)
	mux.HandleFunc("POST /api/v1/analyze", kh.analyze)
	mux.HandleFunc("POST /api/v1/redact", kh.redactPreview)
	mux.HandleFunc("POST /api/v1/chat-logs/process", ch.process)

	// Knowledge retrieval and curation
	mux.HandleFunc("POST /api/v1/knowledge/query", qh.runQuery)
	mux.HandleFunc("GET /api/v1/knowledge/recent", kh.recent)
	mux.HandleFunc("GET /api/v1/knowledge/trending", kh.trending)
	mux.HandleFunc("PATCH /api/v1/knowledge/{id}", kh.update)
	mux.HandleFunc("DELETE /api/v1/knowledge/{id}", kh.softDelete)
	mux.HandleFunc("POST /api/v1/knowledge/{id}/restore", kh.restore)

	// Metrics
	mux.HandleFunc("GET /api/v1/metrics/queries", mh.queryLog)
	mux.HandleFunc("GET /api/v1/metrics/dashboard", mh.dashboard)
	mux.HandleFunc("GET /api/v1/metrics/learning", mh.learningHistory)
	mux.HandleFunc("GET /api/v1/metrics/learning_stats", mh.learningStats)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIKey, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux separates the unauthenticated health probe from the
	// middleware stack.
	topMux := http.NewServeMux()
	topMux.Handle("GET /health", healthHandler(cfg.Store))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// healthHandler reports liveness plus knowledge store connectivity.
func healthHandler(store KnowledgeStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		dbStatus := "ok"
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status = "degraded"
			dbStatus = "unreachable"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"status":   status,
			"database": dbStatus,
		})
	})
}
