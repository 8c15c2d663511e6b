package knowledge_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/log"
	"github.com/weaverhq/knowledge-weaver/internal/testutil"
)

func setupStore(t *testing.T) *knowledge.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := knowledge.NewStore(db.Pool, log.NewNop())
	require.NoError(t, err)
	return store
}

// unitVector returns a normalized 768-dim vector concentrated on axis i.
// Distinct axes are orthogonal, so cosine similarity between different
// axes is 0 and identical axes are 1.
func unitVector(axis int) []float32 {
	v := make([]float32, knowledge.VectorDimension)
	v[axis] = 1
	return v
}

// blendVector mixes two axes so similarity to each axis lands between 0
// and 1.
func blendVector(axisA, axisB int, weightA, weightB float32) []float32 {
	v := make([]float32, knowledge.VectorDimension)
	v[axisA] = weightA
	v[axisB] = weightB
	return v
}

func addEntry(t *testing.T, store *knowledge.Store, e knowledge.Entry, emb []float32) uuid.UUID {
	t.Helper()
	ids, err := store.Add(context.Background(), []knowledge.Entry{e}, [][]float32{emb})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestAddAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{
		Content:      "PTO accrues at 1.5 days per month",
		Category:     "benefits",
		Tags:         []string{"pto", "policy"},
		Summary:      "PTO accrual rate",
		EntryType:    "policy",
		Confidence:   0.9,
		Participants: []string{"Questioner", "Respondent"},
		SourceIDs:    []string{"m1", "m2"},
	}, unitVector(0))

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PTO accrues at 1.5 days per month", e.Content)
	assert.Equal(t, []string{"pto", "policy"}, e.Tags)
	assert.Equal(t, []string{"m1", "m2"}, e.SourceIDs)
	assert.Equal(t, knowledge.Unverified, e.VerificationStatus)
	assert.Equal(t, "teams", e.Platform)
	assert.False(t, e.Deleted)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestAddLengthMismatch(t *testing.T) {
	store := setupStore(t)

	_, err := store.Add(context.Background(),
		[]knowledge.Entry{{Content: "a"}, {Content: "b"}},
		[][]float32{unitVector(0)},
	)
	assert.ErrorIs(t, err, knowledge.ErrLengthMismatch)
}

func TestSearchOrdersBySimilarity(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	near := addEntry(t, store, knowledge.Entry{Content: "near"}, blendVector(0, 1, 0.9, 0.436))
	far := addEntry(t, store, knowledge.Entry{Content: "far"}, blendVector(0, 1, 0.436, 0.9))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near, matches[0].ID)
	assert.Equal(t, far, matches[1].ID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchThresholdExcludesDissimilar(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	addEntry(t, store, knowledge.Entry{Content: "on topic"}, unitVector(0))
	addEntry(t, store, knowledge.Entry{Content: "orthogonal"}, unitVector(1))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5, Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "on topic", matches[0].Content)
}

func TestSearchBoostsVerified(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// The unverified entry is nearer, but the verified one must win.
	addEntry(t, store, knowledge.Entry{
		Content: "unverified near",
	}, blendVector(0, 1, 0.95, 0.312))
	verified := addEntry(t, store, knowledge.Entry{
		Content:            "verified farther",
		VerificationStatus: knowledge.VerifiedHuman,
	}, blendVector(0, 1, 0.7, 0.714))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, verified, matches[0].ID)
}

func TestSearchVerifiedOnly(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	addEntry(t, store, knowledge.Entry{Content: "unverified"}, unitVector(0))
	verified := addEntry(t, store, knowledge.Entry{
		Content:            "verified",
		VerificationStatus: knowledge.VerifiedHuman,
	}, unitVector(0))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5, VerifiedOnly: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, verified, matches[0].ID)
}

func TestDraftEntriesStoredAndPromoted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{
		Content:            "agent-contributed protocol note",
		VerificationStatus: knowledge.Draft,
	}, unitVector(0))

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, knowledge.Draft, e.VerificationStatus)

	// Drafts are filtered out by verified-only search, present otherwise.
	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5, VerifiedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// A human edit promotes the draft.
	category := "protocols"
	e, err = store.Update(ctx, id, knowledge.UpdateFields{Category: &category})
	require.NoError(t, err)
	assert.Equal(t, knowledge.VerifiedHuman, e.VerificationStatus)
}

func TestSoftDeleteHidesFromSearch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{Content: "to delete"}, unitVector(0))
	require.NoError(t, store.SoftDelete(ctx, id))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Still fetchable directly, flagged deleted.
	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.Deleted)
	require.NotNil(t, e.DeletedAt)
}

func TestRestoreBringsEntryBack(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{Content: "restorable"}, unitVector(0))
	require.NoError(t, store.SoftDelete(ctx, id))
	require.NoError(t, store.Restore(ctx, id))

	matches, err := store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.Deleted)
	assert.Nil(t, e.DeletedAt)
}

func TestSoftDeleteIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{Content: "twice deleted"}, unitVector(0))
	require.NoError(t, store.SoftDelete(ctx, id))
	require.NoError(t, store.SoftDelete(ctx, id))

	assert.ErrorIs(t, store.SoftDelete(ctx, uuid.New()), knowledge.ErrNotFound)
	assert.ErrorIs(t, store.Restore(ctx, uuid.New()), knowledge.ErrNotFound)
}

func TestUpdateMarksVerified(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{
		Content:  "draft",
		Category: "general",
		Tags:     []string{"chat-extracted"},
	}, unitVector(0))

	category := "benefits"
	e, err := store.Update(ctx, id, knowledge.UpdateFields{
		Category: &category,
		Tags:     []string{"pto", "reviewed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "benefits", e.Category)
	assert.Equal(t, []string{"pto", "reviewed"}, e.Tags)
	assert.Equal(t, knowledge.VerifiedHuman, e.VerificationStatus)
	// Content untouched by a metadata-only update.
	assert.Equal(t, "draft", e.Content)
}

func TestUpdateContentSwapsEmbedding(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{Content: "old content"}, unitVector(0))

	content := "new content"
	_, err := store.Update(ctx, id, knowledge.UpdateFields{
		Content:   &content,
		Embedding: unitVector(1),
	})
	require.NoError(t, err)

	// The entry now matches the new axis, not the old one.
	matches, err := store.Search(ctx, unitVector(1), knowledge.SearchOpts{TopK: 1, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new content", matches[0].Content)

	matches, err = store.Search(ctx, unitVector(0), knowledge.SearchOpts{TopK: 1, Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUpdateDeletedEntryFails(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{Content: "gone"}, unitVector(0))
	require.NoError(t, store.SoftDelete(ctx, id))

	category := "benefits"
	_, err := store.Update(ctx, id, knowledge.UpdateFields{Category: &category})
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestRecentAndRecycleBin(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := addEntry(t, store, knowledge.Entry{Content: "a"}, unitVector(0))
	b := addEntry(t, store, knowledge.Entry{Content: "b"}, unitVector(1))
	require.NoError(t, store.SoftDelete(ctx, a))

	live, err := store.Recent(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b, live[0].ID)

	bin, err := store.Recent(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, a, bin[0].ID)
}

func TestStatsCountsLiveEntries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	addEntry(t, store, knowledge.Entry{Content: "a"}, unitVector(0))
	addEntry(t, store, knowledge.Entry{
		Content:            "b",
		VerificationStatus: knowledge.VerifiedHuman,
	}, unitVector(1))
	deleted := addEntry(t, store, knowledge.Entry{Content: "c"}, unitVector(2))
	require.NoError(t, store.SoftDelete(ctx, deleted))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Verified)
}

func TestTagFrequency(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	addEntry(t, store, knowledge.Entry{Content: "a", Tags: []string{"pto", "policy"}}, unitVector(0))
	addEntry(t, store, knowledge.Entry{Content: "b", Tags: []string{"pto"}}, unitVector(1))
	addEntry(t, store, knowledge.Entry{Content: "c", Tags: []string{"dental"}}, unitVector(2))

	tags, err := store.TagFrequency(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, tags)
	assert.Equal(t, knowledge.TagCount{Tag: "pto", Count: 2}, tags[0])
}

func TestTagsSurviveEscaping(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id := addEntry(t, store, knowledge.Entry{
		Content: "escaped",
		Tags:    []string{"a,b", `c\d`, "plain"},
	}, unitVector(0))

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a,b", `c\d`, "plain"}, e.Tags)
}
