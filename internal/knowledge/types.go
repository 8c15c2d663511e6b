// Package knowledge persists knowledge entries in PostgreSQL with pgvector
// embeddings and verification-aware similarity search.
//
// Distance metric is cosine (vector_cosine_ops index, <=> operator);
// similarity reported to callers is 1 - distance, in [0, 1] for normalized
// embeddings.
package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("knowledge entry not found")

	// ErrLengthMismatch indicates the entries and embeddings slices passed
	// to Add differ in length.
	ErrLengthMismatch = errors.New("entries and embeddings length mismatch")

	// ErrInvalidEmbedding indicates an embedding has the wrong dimensionality.
	ErrInvalidEmbedding = errors.New("invalid embedding dimension")
)

// VectorDimension is the embedding size of the knowledge_entries schema.
// Must match gateway.VectorDimension and the vector(768) column.
const VectorDimension = 768

// VerificationStatus tracks whether a human confirmed an entry.
// Transitions are one-way: draft or unverified -> verified_human.
type VerificationStatus string

const (
	// Draft marks an entry contributed by an agent that has not been
	// reviewed yet. Ranked and filtered like Unverified.
	Draft         VerificationStatus = "draft"
	Unverified    VerificationStatus = "unverified"
	VerifiedHuman VerificationStatus = "verified_human"
)

// Valid reports whether s is a known verification status.
func (s VerificationStatus) Valid() bool {
	return s == Draft || s == Unverified || s == VerifiedHuman
}

// Entry is a single stored piece of organizational knowledge.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	Content       string    `json:"content"`
	Category      string    `json:"category"`
	Tags          []string  `json:"tags"`
	Summary       string    `json:"summary"`
	EntryType     string    `json:"entry_type"`
	Confidence    float64   `json:"confidence"`
	SourceURL     string    `json:"source_url,omitempty"`
	Platform      string    `json:"platform"`
	Participants  []string  `json:"participants,omitempty"`
	SourceIDs     []string  `json:"source_ids,omitempty"`
	HasScreenshot bool      `json:"has_screenshot"`

	VerificationStatus VerificationStatus `json:"verification_status"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Verified reports whether the entry was confirmed by a human.
func (e *Entry) Verified() bool {
	return e.VerificationStatus == VerifiedHuman
}

// Match is a search result: an entry plus its cosine similarity to the query.
type Match struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// TagCount is one row of a tag frequency report.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarizes the store for dashboards.
type Stats struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
}
