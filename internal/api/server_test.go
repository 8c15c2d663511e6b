package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/log"
	"github.com/weaverhq/knowledge-weaver/internal/pipeline"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

const testAPIKey = "test-key-123"

// --- fakes ---

type fakeGateway struct {
	embedErr   error
	analyzeErr error
	analysis   gateway.Analysis
	embedCalls int
}

func (f *fakeGateway) EmbedDocument(_ context.Context, _ string) ([]float32, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return make([]float32, knowledge.VectorDimension), nil
}

func (f *fakeGateway) Analyze(_ context.Context, _ string, _ []gateway.Example) (gateway.Analysis, error) {
	if f.analyzeErr != nil {
		return gateway.Analysis{}, f.analyzeErr
	}
	return f.analysis, nil
}

type fakeStore struct {
	added      []knowledge.Entry
	addErr     error
	updated    *knowledge.Entry
	updateErr  error
	deleteErr  error
	restoreErr error
	recent     []knowledge.Entry
	stats      knowledge.Stats
	tags       []knowledge.TagCount
	similar    []knowledge.Match
	pingErr    error
}

func (f *fakeStore) Add(_ context.Context, entries []knowledge.Entry, _ [][]float32) ([]uuid.UUID, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, entries...)
	ids := make([]uuid.UUID, len(entries))
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids, nil
}

func (f *fakeStore) Update(_ context.Context, _ uuid.UUID, _ knowledge.UpdateFields) (*knowledge.Entry, error) {
	return f.updated, f.updateErr
}

func (f *fakeStore) SoftDelete(_ context.Context, _ uuid.UUID) error { return f.deleteErr }
func (f *fakeStore) Restore(_ context.Context, _ uuid.UUID) error    { return f.restoreErr }

func (f *fakeStore) Recent(_ context.Context, _ int, _ bool) ([]knowledge.Entry, error) {
	return f.recent, nil
}

func (f *fakeStore) Stats(_ context.Context) (knowledge.Stats, error) { return f.stats, nil }

func (f *fakeStore) TagFrequency(_ context.Context, _ int) ([]knowledge.TagCount, error) {
	return f.tags, nil
}

func (f *fakeStore) FindSimilarVerified(_ context.Context, _ []float32, _ int) ([]knowledge.Match, error) {
	return f.similar, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakePipeline struct {
	result pipeline.Result
	err    error
}

func (f *fakePipeline) Process(_ context.Context, _ []gateway.Message, _ string) (pipeline.Result, error) {
	return f.result, f.err
}

type fakeQueries struct {
	result   query.Result
	err      error
	logs     []query.LogEntry
	gaps     []query.Gap
	gapCount int
	volume   int
}

func (f *fakeQueries) Query(_ context.Context, text string, _ bool) (query.Result, error) {
	res := f.result
	res.Query = text
	return res, f.err
}

func (f *fakeQueries) Logs(_, _ time.Time, _ int) ([]query.LogEntry, error) { return f.logs, nil }
func (f *fakeQueries) Gaps(_, _ int) ([]query.Gap, error)                   { return f.gaps, nil }
func (f *fakeQueries) GapCount(_ int) (int, error)                          { return f.gapCount, nil }
func (f *fakeQueries) Volume(_ int) (int, error)                            { return f.volume, nil }

type fakeLearning struct {
	recorded []learning.Prediction
	events   []learning.Event
	stats    learning.Stats
}

func (f *fakeLearning) Record(_ uuid.UUID, _ string, aiPred, _ learning.Prediction) (*learning.Event, error) {
	f.recorded = append(f.recorded, aiPred)
	return &learning.Event{EventID: uuid.New()}, nil
}

func (f *fakeLearning) History(_ int) ([]learning.Event, error) { return f.events, nil }
func (f *fakeLearning) Stats() (learning.Stats, error)          { return f.stats, nil }

type deps struct {
	gateway  *fakeGateway
	store    *fakeStore
	pipeline *fakePipeline
	queries  *fakeQueries
	learning *fakeLearning
}

func newTestServer(t *testing.T) (*Server, *deps) {
	t.Helper()

	d := &deps{
		gateway:  &fakeGateway{analysis: gateway.Analysis{Category: "benefits", Tags: []string{"pto", "policy"}}},
		store:    &fakeStore{},
		pipeline: &fakePipeline{},
		queries:  &fakeQueries{},
		learning: &fakeLearning{},
	}
	srv, err := NewServer(ServerConfig{
		Logger:   log.NewNop(),
		Gateway:  d.gateway,
		Store:    d.store,
		Pipeline: d.pipeline,
		Queries:  d.queries,
		Learning: d.learning,
		APIKey:   testAPIKey,
	})
	require.NoError(t, err)
	return srv, d
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

// --- auth and health ---

func TestMissingAPIKeyRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/knowledge/recent", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWrongAPIKeyRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/knowledge/recent", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthNeedsNoKey(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.Equal(t, "ok", got["status"])
}

func TestHealthReportsDegradedDatabase(t *testing.T) {
	srv, d := newTestServer(t)
	d.store.pingErr = errors.New("connection refused")

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	got := decodeResponse(t, rec)
	assert.Equal(t, "degraded", got["status"])
	assert.Equal(t, "unreachable", got["database"])
}

func TestRequestIDHeaderSet(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/knowledge/recent", nil, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get("X-Request-ID")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

// --- ingest ---

func TestIngestStoresRedactedVerifiedEntry(t *testing.T) {
	srv, d := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ingest", map[string]any{
		"text":     "Contact alice@example.com about the PTO policy",
		"category": "benefits",
		"tags":     []string{"pto"},
	}, testAPIKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, d.store.added, 1)
	e := d.store.added[0]
	assert.NotContains(t, e.Content, "alice@example.com")
	assert.Contains(t, e.Content, "[EMAIL_REDACTED]")
	assert.Equal(t, knowledge.VerifiedHuman, e.VerificationStatus)
	assert.Equal(t, "manual", e.EntryType)
	assert.InDelta(t, 1.0, e.Confidence, 1e-9)

	got := decodeResponse(t, rec)
	assert.Equal(t, "ok", got["status"])
	_, err := uuid.Parse(got["id"].(string))
	assert.NoError(t, err)
}

func TestIngestFillsMissingClassification(t *testing.T) {
	srv, d := newTestServer(t)
	d.gateway.analysis = gateway.Analysis{
		Category: "onboarding",
		Tags:     []string{"laptop", "it"},
		Summary:  "Laptop setup steps",
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ingest", map[string]any{
		"text": "New hires get laptops on day one",
	}, testAPIKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, d.store.added, 1)
	e := d.store.added[0]
	assert.Equal(t, "onboarding", e.Category)
	assert.Equal(t, []string{"laptop", "it"}, e.Tags)
	assert.Equal(t, "Laptop setup steps", e.Summary)
}

func TestIngestRejectsMissingText(t *testing.T) {
	srv, d := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ingest", map[string]any{}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, d.store.added)
	assert.Zero(t, d.gateway.embedCalls)
}

func TestIngestEmbeddingFailureIsBadGateway(t *testing.T) {
	srv, d := newTestServer(t)
	d.gateway.embedErr = gateway.ErrGateway

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ingest", map[string]any{
		"text": "some knowledge",
	}, testAPIKey)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, d.store.added)
}

func TestIngestRecordsLearningFeedback(t *testing.T) {
	srv, d := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/ingest", map[string]any{
		"text":     "Dental is covered from day one",
		"category": "benefits",
		"tags":     []string{"dental"},
		"ai_prediction": map[string]any{
			"category": "general",
			"tags":     []string{"misc"},
		},
	}, testAPIKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, d.learning.recorded, 1)
	assert.Equal(t, "general", d.learning.recorded[0].Category)
}

// --- analyze and redact ---

func TestAnalyzeReturnsClassification(t *testing.T) {
	srv, d := newTestServer(t)
	d.gateway.analysis = gateway.Analysis{Category: "expenses", Tags: []string{"travel", "receipts"}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/analyze", map[string]any{
		"text": "Submit receipts within 30 days",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.Equal(t, "expenses", got["category"])
}

func TestAnalyzeSurvivesEmbeddingFailure(t *testing.T) {
	srv, d := newTestServer(t)
	d.gateway.embedErr = gateway.ErrGateway
	d.gateway.analysis = gateway.Analysis{Category: "expenses", Tags: []string{"travel", "receipts"}}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/analyze", map[string]any{
		"text": "Submit receipts within 30 days",
	}, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedactPreview(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/redact", map[string]any{
		"text": "Call 555-123-4567 or email bob@corp.com",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	redacted := got["redacted"].(string)
	assert.NotContains(t, redacted, "bob@corp.com")
	assert.NotContains(t, redacted, "555-123-4567")
}

// --- chat processing ---

func TestProcessChatBatch(t *testing.T) {
	srv, d := newTestServer(t)
	d.pipeline.result = pipeline.Result{
		SuccessCount: 2,
		FailedCount:  1,
		Errors:       []string{"candidate 1: embed failed"},
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat-logs/process", map[string]any{
		"messages": []map[string]any{{"id": "m1", "author": "a", "text": "hi"}},
		"platform": "teams",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 2, got["success_count"])
	assert.EqualValues(t, 1, got["failed_count"])
}

func TestProcessEmptyBatchRejected(t *testing.T) {
	srv, d := newTestServer(t)
	d.pipeline.err = pipeline.ErrEmptyBatch

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat-logs/process", map[string]any{
		"messages": []map[string]any{},
	}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessOversizedBatchRejected(t *testing.T) {
	srv, d := newTestServer(t)
	d.pipeline.err = pipeline.ErrBatchTooLarge

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat-logs/process", map[string]any{
		"messages": []map[string]any{{"id": "m1"}},
	}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessNoCandidatesIsOK(t *testing.T) {
	srv, d := newTestServer(t)
	d.pipeline.err = pipeline.ErrNoCandidates

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/chat-logs/process", map[string]any{
		"messages": []map[string]any{{"id": "m1", "text": "lunch?"}},
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 0, got["success_count"])
}

// --- query ---

func TestQueryReturnsMatches(t *testing.T) {
	srv, d := newTestServer(t)
	d.queries.result = query.Result{
		QueryID: uuid.New(),
		Matches: []knowledge.Match{
			{Entry: knowledge.Entry{ID: uuid.New(), Content: "PTO accrues monthly"}, Similarity: 0.91},
		},
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/knowledge/query", map[string]any{
		"query": "how does PTO accrue",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	matches := got["matches"].([]any)
	require.Len(t, matches, 1)
}

func TestQueryEmptyRejected(t *testing.T) {
	srv, d := newTestServer(t)
	d.queries.err = query.ErrEmptyQuery

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/knowledge/query", map[string]any{
		"query": "  ",
	}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryDegradedStillServes(t *testing.T) {
	srv, d := newTestServer(t)
	d.queries.err = errors.Join(query.ErrDegraded, errors.New("embed failed"))

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/knowledge/query", map[string]any{
		"query": "parking policy",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.Empty(t, got["matches"])
}

// --- curation ---

func TestUpdateNotFound(t *testing.T) {
	srv, d := newTestServer(t)
	d.store.updateErr = knowledge.ErrNotFound

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/knowledge/"+uuid.NewString(), map[string]any{
		"category": "benefits",
	}, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateInvalidID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/knowledge/not-a-uuid", map[string]any{
		"category": "benefits",
	}, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateReturnsEntry(t *testing.T) {
	srv, d := newTestServer(t)
	id := uuid.New()
	d.store.updated = &knowledge.Entry{
		ID:                 id,
		Category:           "benefits",
		Tags:               []string{"pto", "policy"},
		VerificationStatus: knowledge.VerifiedHuman,
	}

	rec := doRequest(t, srv, http.MethodPatch, "/api/v1/knowledge/"+id.String(), map[string]any{
		"category": "benefits",
	}, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.Equal(t, id.String(), got["id"])
	assert.Equal(t, "verified_human", got["verification_status"])
}

func TestSoftDeleteAndRestore(t *testing.T) {
	srv, _ := newTestServer(t)
	id := uuid.NewString()

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/knowledge/"+id, nil, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/knowledge/"+id+"/restore", nil, testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSoftDeleteNotFound(t *testing.T) {
	srv, d := newTestServer(t)
	d.store.deleteErr = knowledge.ErrNotFound

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/knowledge/"+uuid.NewString(), nil, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- metrics ---

func TestDashboard(t *testing.T) {
	srv, d := newTestServer(t)
	d.store.stats = knowledge.Stats{Total: 40, Verified: 10}
	d.queries.volume = 120
	d.queries.gaps = []query.Gap{{Query: "vpn setup", Count: 4}}
	d.queries.gapCount = 1

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/dashboard", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 40, got["total_knowledge"])
	assert.EqualValues(t, 10, got["verified_count"])
	assert.InDelta(t, 0.25, got["verified_ratio"].(float64), 1e-9)
	assert.EqualValues(t, 120, got["query_volume_7d"])
	assert.EqualValues(t, 1, got["knowledge_gaps_7d"])
}

// The gap count must cover the whole window even when the displayed list
// is truncated.
func TestDashboardGapCountBeyondDisplayList(t *testing.T) {
	srv, d := newTestServer(t)
	d.queries.gaps = []query.Gap{
		{Query: "vpn setup", Count: 4},
		{Query: "expense parking", Count: 3},
	}
	d.queries.gapCount = 9

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/dashboard", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 9, got["knowledge_gaps_7d"])
	assert.Len(t, got["recent_gaps"].([]any), 2)
}

func TestQueryLogDateValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/queries?start_date=yesterday", nil, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryLogReturnsEntries(t *testing.T) {
	srv, d := newTestServer(t)
	d.queries.logs = []query.LogEntry{
		{QueryID: uuid.New(), Query: "pto", ResultCount: 2},
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/queries?limit=10", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 1, got["count"])
}

func TestLearningStats(t *testing.T) {
	srv, d := newTestServer(t)
	d.learning.stats = learning.Stats{TotalEvents: 7, ErrorRate: 0.12, Accuracy: 0.88}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics/learning_stats", nil, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeResponse(t, rec)
	assert.EqualValues(t, 7, got["total_events"])
	assert.InDelta(t, 0.88, got["accuracy"].(float64), 1e-9)
}

func TestServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{APIKey: testAPIKey})
	assert.Error(t, err)

	_, err = NewServer(ServerConfig{
		Gateway:  &fakeGateway{},
		Store:    &fakeStore{},
		Pipeline: &fakePipeline{},
		Queries:  &fakeQueries{},
		Learning: &fakeLearning{},
	})
	assert.Error(t, err)
}
