// Package gateway wraps the Gemini embedding and generation APIs behind a
// single component with retry, task-type hints, and degraded-mode fallbacks.
//
// Failure policy:
//   - Embedding failures are surfaced to the caller (writes must abort
//     rather than persist entries without vectors).
//   - Analysis failures degrade to a synthesized result so manual ingestion
//     keeps working when the model misbehaves.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"
)

// ErrGateway indicates the model API failed after all retries were exhausted.
var ErrGateway = errors.New("gateway: model API unavailable")

// VectorDimension is the embedding dimensionality shared by the gateway and
// the pgvector schema. gemini-embedding-001 truncates to 768 via
// OutputDimensionality.
const VectorDimension int32 = 768

// Embedding task types, passed to the Gemini API so document and query
// vectors live in compatible but asymmetric spaces.
const (
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// generateFunc produces model text for a prompt. Extracted as a field so
// tests can substitute a fake without a live Genkit instance.
type generateFunc func(ctx context.Context, prompt string) (string, error)

// Gateway is the single entry point for model calls.
//
// Gateway is safe for concurrent use by multiple goroutines.
type Gateway struct {
	embedder ai.Embedder
	generate generateFunc
	retry    RetryConfig
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetryConfig overrides the default retry behavior.
func WithRetryConfig(rc RetryConfig) Option {
	return func(g *Gateway) { g.retry = rc }
}

// WithGenerateFunc overrides the generation backend. Test use only.
func WithGenerateFunc(fn generateFunc) Option {
	return func(g *Gateway) { g.generate = fn }
}

// New creates a Gateway backed by the given Genkit instance.
// modelName is the provider-qualified generation model
// (e.g. "googleai/gemini-2.5-flash").
func New(g *genkit.Genkit, embedder ai.Embedder, modelName string, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		embedder: embedder,
		retry:    DefaultRetryConfig(),
		logger:   logger,
	}
	gw.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := genkit.Generate(ctx, g,
			ai.WithModelName(modelName),
			ai.WithPrompt(prompt),
		)
		if err != nil {
			return "", fmt.Errorf("generating: %w", err)
		}
		return resp.Text(), nil
	}

	for _, opt := range opts {
		opt(gw)
	}
	return gw, nil
}

// EmbedDocument embeds text destined for storage, using the
// RETRIEVAL_DOCUMENT task hint.
func (g *Gateway) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, text, taskRetrievalDocument)
}

// EmbedQuery embeds a search query, using the RETRIEVAL_QUERY task hint.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, text, taskRetrievalQuery)
}

func (g *Gateway) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	dim := VectorDimension
	var vec []float32

	err := g.withRetry(ctx, "embed", func(ctx context.Context) error {
		resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{
			Input: []*ai.Document{ai.DocumentFromText(text, nil)},
			Options: &genai.EmbedContentConfig{
				OutputDimensionality: &dim,
				TaskType:             taskType,
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
			return fmt.Errorf("empty embedding response")
		}
		vec = resp.Embeddings[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vec) != int(VectorDimension) {
		return nil, fmt.Errorf("unexpected embedding dimension %d (want %d)", len(vec), VectorDimension)
	}
	return vec, nil
}
