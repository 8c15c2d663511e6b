// Package app provides application initialization and dependency injection.
//
// App is the container that wires configuration, the database pool, the
// Gemini gateway, the knowledge store, the extraction pipeline, the query
// service, the learning tracker, and the HTTP API together.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaverhq/knowledge-weaver/internal/api"
	"github.com/weaverhq/knowledge-weaver/internal/config"
	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/pipeline"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	DBPool   *pgxpool.Pool
	Gateway  *gateway.Gateway
	Store    *knowledge.Store
	Pipeline *pipeline.Pipeline
	Queries  *query.Service
	Learning *learning.Tracker
	Server   *api.Server
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		if a.Logger != nil {
			a.Logger.Info("database pool closed")
		}
	}

	return nil
}
