package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaverhq/knowledge-weaver/db"
	"github.com/weaverhq/knowledge-weaver/internal/api"
	"github.com/weaverhq/knowledge-weaver/internal/config"
	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/jsonl"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/pipeline"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

// Data files under cfg.DataDir.
const (
	queryLogFile      = "queries.jsonl"
	learningEventFile = "learning_events.jsonl"
	learningStatsFile = "learning_stats.json"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Genkit reads GEMINI_API_KEY itself; fail fast instead of at the
	// first embed call.
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return nil, errors.New("GEMINI_API_KEY not set")
	}

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	gw, err := gateway.New(g, embedder, cfg.FullModelName(), logger)
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	a.Gateway = gw

	store, err := knowledge.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}
	a.Store = store

	pl, err := pipeline.New(gw, gw, store, logger)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	a.Pipeline = pl

	queries, err := provideQueryService(cfg, gw, store, logger)
	if err != nil {
		return nil, err
	}
	a.Queries = queries

	tracker, err := provideLearningTracker(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Learning = tracker

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Gateway:     gw,
		Store:       store,
		Pipeline:    pl,
		Queries:     queries,
		Learning:    tracker,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool
// with sensible defaults for connection management.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the Google AI plugin. The plugin
// registers Gemini models and embedders for lookup by name.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	return g, nil
}

// provideQueryService creates the query service with its append-only log
// under the data directory.
func provideQueryService(cfg *config.Config, embedder query.Embedder, searcher query.Searcher, logger *slog.Logger) (*query.Service, error) {
	queryLog, err := jsonl.NewAppender(filepath.Join(cfg.DataDir, queryLogFile))
	if err != nil {
		return nil, fmt.Errorf("creating query log: %w", err)
	}

	queries, err := query.NewService(embedder, searcher, queryLog, logger)
	if err != nil {
		return nil, fmt.Errorf("creating query service: %w", err)
	}
	return queries, nil
}

// provideLearningTracker creates the active-learning tracker with its event
// log and stats snapshot under the data directory.
func provideLearningTracker(cfg *config.Config, logger *slog.Logger) (*learning.Tracker, error) {
	events, err := jsonl.NewAppender(filepath.Join(cfg.DataDir, learningEventFile))
	if err != nil {
		return nil, fmt.Errorf("creating learning event log: %w", err)
	}

	tracker, err := learning.NewTracker(events, filepath.Join(cfg.DataDir, learningStatsFile), logger)
	if err != nil {
		return nil, fmt.Errorf("creating learning tracker: %w", err)
	}
	return tracker, nil
}
