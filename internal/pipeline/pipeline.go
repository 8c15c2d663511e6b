// Package pipeline turns raw chat transcripts into unverified knowledge
// entries: redact, extract candidates, embed, persist.
//
// The pipeline is deliberately forgiving about individual candidates (an
// embedding failure skips that candidate and is reported in the Result) but
// strict about batch preconditions: oversized or empty batches are rejected
// before any external call is made.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/redact"
)

// MaxBatchSize is the maximum number of messages accepted per Process call.
const MaxBatchSize = 100

var (
	// ErrEmptyBatch indicates Process was called with no messages.
	ErrEmptyBatch = errors.New("no messages in batch")

	// ErrBatchTooLarge indicates the batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrNoCandidates indicates the model found nothing worth keeping.
	ErrNoCandidates = errors.New("no knowledge candidates extracted")
)

// Extractor mines knowledge candidates from a redacted transcript.
type Extractor interface {
	ExtractCandidates(ctx context.Context, msgs []gateway.Message) ([]gateway.Candidate, error)
}

// Embedder produces document embeddings for candidate content.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// Adder persists entries with their embeddings.
type Adder interface {
	Add(ctx context.Context, entries []knowledge.Entry, embeddings [][]float32) ([]uuid.UUID, error)
}

// Result reports the outcome of one batch.
type Result struct {
	SuccessCount int         `json:"success_count"`
	FailedCount  int         `json:"failed_count"`
	Errors       []string    `json:"errors,omitempty"`
	ProcessedIDs []uuid.UUID `json:"processed_ids,omitempty"`
}

// Pipeline wires redaction, extraction, embedding, and storage.
type Pipeline struct {
	extractor Extractor
	embedder  Embedder
	store     Adder
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(extractor Extractor, embedder Embedder, store Adder, logger *slog.Logger) (*Pipeline, error) {
	if extractor == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("extractor, embedder, and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{extractor: extractor, embedder: embedder, store: store, logger: logger}, nil
}

// Process runs one message batch through the full pipeline.
//
// Messages are redacted before anything leaves the process. Candidates that
// fail to embed are skipped and counted in Result.FailedCount; the rest are
// persisted as unverified entries in a single bulk insert.
func (p *Pipeline) Process(ctx context.Context, msgs []gateway.Message, platform string) (Result, error) {
	if len(msgs) == 0 {
		return Result{}, ErrEmptyBatch
	}
	if len(msgs) > MaxBatchSize {
		return Result{}, fmt.Errorf("%w: %d messages (max %d)", ErrBatchTooLarge, len(msgs), MaxBatchSize)
	}

	redacted := make([]gateway.Message, len(msgs))
	for i, m := range msgs {
		m.Author = redact.Redact(m.Author)
		m.Text = redact.Redact(m.Text)
		redacted[i] = m
	}

	candidates, err := p.extractor.ExtractCandidates(ctx, redacted)
	if err != nil {
		return Result{}, fmt.Errorf("extracting candidates: %w", err)
	}
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}

	var (
		result     Result
		entries    []knowledge.Entry
		embeddings [][]float32
	)
	for i, c := range candidates {
		// Candidate content derives from redacted input, but the model can
		// still echo identifiers from its own vocabulary. Re-scrub before
		// anything is persisted.
		content := redact.Redact(c.Content)

		vec, embedErr := p.embedder.EmbedDocument(ctx, content)
		if embedErr != nil {
			p.logger.Warn("skipping candidate, embedding failed",
				"candidate", i,
				"entry_type", c.EntryType,
				"error", embedErr,
			)
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("candidate %d: %v", i, embedErr))
			continue
		}

		entries = append(entries, knowledge.Entry{
			Content:            content,
			Category:           string(c.EntryType),
			Tags:               []string{"chat-extracted", string(c.EntryType)},
			EntryType:          string(c.EntryType),
			Confidence:         c.Confidence,
			Platform:           platform,
			Participants:       c.Participants,
			SourceIDs:          c.SourceIDs,
			VerificationStatus: knowledge.Unverified,
		})
		embeddings = append(embeddings, vec)
	}

	if len(entries) > 0 {
		ids, addErr := p.store.Add(ctx, entries, embeddings)
		if addErr != nil {
			return Result{}, fmt.Errorf("persisting entries: %w", addErr)
		}
		result.SuccessCount = len(ids)
		result.ProcessedIDs = ids
	}

	p.logger.Info("processed chat batch",
		"messages", len(msgs),
		"candidates", len(candidates),
		"stored", result.SuccessCount,
		"failed", result.FailedCount,
	)
	return result, nil
}
