package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// entryCols is the standard SELECT column list for scanEntries.
// The embedding column is deliberately excluded; vectors never leave the store.
const entryCols = `id, content, category, tags, summary, entry_type, confidence,
	source_url, platform, participants, source_ids, has_screenshot,
	verification_status, deleted, deleted_at, created_at, updated_at`

// Default search parameters.
const (
	DefaultTopK      = 3
	DefaultThreshold = 0.1

	// candidatePool is how many raw neighbors Search fetches before the
	// verified-boost rerank. Must exceed topK so a verified entry slightly
	// further away can still displace an unverified nearer one.
	candidatePool = 20

	// maxRecentLimit caps listing endpoints.
	maxRecentLimit = 100

	// tagSampleSize bounds how many recent entries feed TagFrequency.
	tagSampleSize = 200
)

// SearchOpts control a similarity search.
type SearchOpts struct {
	TopK           int
	Threshold      float64
	VerifiedOnly   bool
	IncludeDeleted bool
}

// UpdateFields is a partial metadata update. Nil pointer fields are left
// unchanged. Content and Embedding must be set together: content is never
// swapped without its vector.
type UpdateFields struct {
	Category      *string
	Tags          []string // nil = unchanged
	Summary       *string
	HasScreenshot *bool
	Content       *string
	Embedding     []float32
}

// Store manages knowledge entries backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines. Embeddings are
// computed by the caller (the gateway); the store only persists and
// searches them.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a knowledge Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Ping reports store connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging knowledge store: %w", err)
	}
	return nil
}

// Add inserts entries with their precomputed embeddings in one transaction.
// entries[i] pairs with embeddings[i]; a length mismatch fails before any
// write. Returns the generated IDs in input order.
func (s *Store) Add(ctx context.Context, entries []Entry, embeddings [][]float32) ([]uuid.UUID, error) {
	if len(entries) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d entries, %d embeddings", ErrLengthMismatch, len(entries), len(embeddings))
	}
	if len(entries) == 0 {
		return nil, nil
	}
	for i, emb := range embeddings {
		if len(emb) != VectorDimension {
			return nil, fmt.Errorf("%w: entry %d has %d dimensions (want %d)", ErrInvalidEmbedding, i, len(emb), VectorDimension)
		}
		if strings.TrimSpace(entries[i].Content) == "" {
			return nil, fmt.Errorf("entry %d: content is required", i)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	ids := make([]uuid.UUID, 0, len(entries))
	for i, e := range entries {
		status := e.VerificationStatus
		if status == "" {
			status = Unverified
		}
		if !status.Valid() {
			return nil, fmt.Errorf("entry %d: invalid verification status %q", i, e.VerificationStatus)
		}
		platform := e.Platform
		if platform == "" {
			platform = "teams"
		}
		// Array columns are NOT NULL; nil slices would encode as NULL.
		if e.Participants == nil {
			e.Participants = []string{}
		}
		if e.SourceIDs == nil {
			e.SourceIDs = []string{}
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO knowledge_entries
			   (content, embedding, category, tags, summary, entry_type, confidence,
			    source_url, platform, participants, source_ids, has_screenshot,
			    verification_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			e.Content, pgvector.NewVector(embeddings[i]), e.Category, encodeTags(e.Tags),
			e.Summary, e.EntryType, e.Confidence, e.SourceURL, platform,
			e.Participants, e.SourceIDs, e.HasScreenshot, string(status),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("inserting entry %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing insert: %w", err)
	}
	return ids, nil
}

// Search finds entries similar to the query embedding.
//
// Raw nearest neighbors are fetched by cosine distance, filtered by the
// similarity threshold, then reranked so verified entries outrank
// unverified ones regardless of raw similarity.
func (s *Store) Search(ctx context.Context, embedding []float32, opts SearchOpts) ([]Match, error) {
	if len(embedding) != VectorDimension {
		return nil, fmt.Errorf("%w: %d dimensions (want %d)", ErrInvalidEmbedding, len(embedding), VectorDimension)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	pool := candidatePool
	if topK > pool {
		pool = topK
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM knowledge_entries
		 WHERE ($2 OR deleted = false)
		   AND (NOT $3 OR verification_status = 'verified_human')
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(embedding), opts.IncludeDeleted, opts.VerifiedOnly, pool,
	)
	if err != nil {
		return nil, fmt.Errorf("searching entries: %w", err)
	}
	defer rows.Close()

	matches, err := scanMatches(rows)
	if err != nil {
		return nil, err
	}
	return rerank(matches, topK, opts.Threshold), nil
}

// FindSimilarVerified returns up to k verified, non-deleted entries nearest
// to the embedding. Used to build few-shot examples for classification.
func (s *Store) FindSimilarVerified(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	return s.Search(ctx, embedding, SearchOpts{TopK: k, VerifiedOnly: true})
}

// Get fetches a single entry by ID, deleted or not.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryCols+` FROM knowledge_entries WHERE id = $1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	return e, nil
}

// SoftDelete moves an entry to the recycle bin. The row and its embedding
// are kept; only visibility changes. Deleting an already-deleted entry is a
// no-op. Returns ErrNotFound if the entry does not exist.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_entries
		 SET deleted = true, deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted = false`,
		id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

// Restore brings a soft-deleted entry back, clearing its deletion timestamp.
// Restoring a live entry is a no-op. Returns ErrNotFound if the entry does
// not exist.
func (s *Store) Restore(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_entries
		 SET deleted = false, deleted_at = NULL, updated_at = now()
		 WHERE id = $1 AND deleted = true`,
		id,
	)
	if err != nil {
		return fmt.Errorf("restoring entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

// requireExists distinguishes a no-op update from a missing row.
func (s *Store) requireExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM knowledge_entries WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("looking up entry %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// Update applies a partial metadata update and marks the entry as
// human-verified. A human touching an entry is itself verification, so the
// status transition happens even when only metadata changed.
//
// Content and Embedding swap atomically in the same UPDATE; supplying one
// without the other is an error. Deleted entries cannot be updated.
func (s *Store) Update(ctx context.Context, id uuid.UUID, upd UpdateFields) (*Entry, error) {
	if (upd.Content == nil) != (upd.Embedding == nil) {
		return nil, fmt.Errorf("content and embedding must be updated together")
	}
	if upd.Embedding != nil && len(upd.Embedding) != VectorDimension {
		return nil, fmt.Errorf("%w: %d dimensions (want %d)", ErrInvalidEmbedding, len(upd.Embedding), VectorDimension)
	}

	set := []string{"verification_status = 'verified_human'", "updated_at = now()"}
	args := []any{id}

	addArg := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if upd.Category != nil {
		addArg("category = $%d", *upd.Category)
	}
	if upd.Tags != nil {
		addArg("tags = $%d", encodeTags(upd.Tags))
	}
	if upd.Summary != nil {
		addArg("summary = $%d", *upd.Summary)
	}
	if upd.HasScreenshot != nil {
		addArg("has_screenshot = $%d", *upd.HasScreenshot)
	}
	if upd.Content != nil {
		addArg("content = $%d", *upd.Content)
		addArg("embedding = $%d", pgvector.NewVector(upd.Embedding))
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE knowledge_entries SET `+strings.Join(set, ", ")+`
		 WHERE id = $1 AND deleted = false
		 RETURNING `+entryCols,
		args...,
	)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating entry %s: %w", id, err)
	}
	return e, nil
}

// Recent lists entries newest-first. With deletedOnly, it lists the recycle
// bin ordered by deletion time instead.
func (s *Store) Recent(ctx context.Context, limit int, deletedOnly bool) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	var rows pgx.Rows
	var err error
	if deletedOnly {
		rows, err = s.pool.Query(ctx,
			`SELECT `+entryCols+` FROM knowledge_entries
			 WHERE deleted = true
			 ORDER BY deleted_at DESC NULLS LAST, id
			 LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+entryCols+` FROM knowledge_entries
			 WHERE deleted = false
			 ORDER BY created_at DESC, id
			 LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing recent entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Stats returns total and verified counts over non-deleted entries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE verification_status = 'verified_human')
		 FROM knowledge_entries
		 WHERE deleted = false`,
	).Scan(&st.Total, &st.Verified)
	if err != nil {
		return Stats{}, fmt.Errorf("counting entries: %w", err)
	}
	return st, nil
}

// TagFrequency reports the most frequent tags across recent non-deleted
// entries, most frequent first (ties alphabetical). Tags are decoded in Go
// because the storage representation is an escaped join, not an array.
func (s *Store) TagFrequency(ctx context.Context, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tags FROM knowledge_entries
		 WHERE deleted = false
		 ORDER BY created_at DESC
		 LIMIT $1`, tagSampleSize)
	if err != nil {
		return nil, fmt.Errorf("sampling tags: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scanning tags: %w", err)
		}
		for _, tag := range decodeTags(encoded) {
			counts[tag]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tags: %w", err)
	}

	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scanEntry reads a single Entry from a pgx.Row using the entryCols order.
func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var tags string
	var deletedAt *time.Time
	err := row.Scan(
		&e.ID, &e.Content, &e.Category, &tags, &e.Summary, &e.EntryType,
		&e.Confidence, &e.SourceURL, &e.Platform, &e.Participants,
		&e.SourceIDs, &e.HasScreenshot, &e.VerificationStatus,
		&e.Deleted, &deletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Tags = decodeTags(tags)
	e.DeletedAt = deletedAt
	return e, nil
}

// scanEntries reads Entry structs from pgx.Rows (standard column set).
func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// scanMatches reads entries plus a trailing similarity column.
func scanMatches(rows pgx.Rows) ([]Match, error) {
	var matches []Match
	for rows.Next() {
		var m Match
		var tags string
		var deletedAt *time.Time
		err := rows.Scan(
			&m.ID, &m.Content, &m.Category, &tags, &m.Summary, &m.EntryType,
			&m.Confidence, &m.SourceURL, &m.Platform, &m.Participants,
			&m.SourceIDs, &m.HasScreenshot, &m.VerificationStatus,
			&m.Deleted, &deletedAt, &m.CreatedAt, &m.UpdatedAt,
			&m.Similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		m.Tags = decodeTags(tags)
		m.DeletedAt = deletedAt
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}
