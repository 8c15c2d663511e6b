package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/redact"
)

// maxBodyBytes bounds request bodies to keep a single bad client from
// exhausting memory.
const maxBodyBytes = 1 << 20 // 1 MiB

// fewShotExamples is how many verified neighbors seed the analyze prompt.
const fewShotExamples = 3

type knowledgeHandler struct {
	gateway  Analyzer
	store    KnowledgeStore
	learning LearningTracker
	logger   *slog.Logger
}

// decodeBody decodes a JSON request body into v, enforcing the size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	return true
}

// pathID parses the {id} path segment as a UUID.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

type predictionPayload struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

type ingestRequest struct {
	Text          string             `json:"text"`
	SourceURL     string             `json:"source_url"`
	HasScreenshot bool               `json:"has_screenshot"`
	Category      string             `json:"category"`
	Tags          []string           `json:"tags"`
	Summary       string             `json:"summary"`
	AIPrediction  *predictionPayload `json:"ai_prediction,omitempty"`
}

// ingest accepts one manually curated piece of knowledge.
//
// The entry is stored as verified_human: a person typed or approved it.
// When the submission still lacks a classification, the gateway fills it
// in. An embedding failure rejects the submission outright — entries
// without vectors would be invisible to search forever.
func (h *knowledgeHandler) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	ctx := r.Context()
	content := redact.Redact(req.Text)

	embedding, err := h.gateway.EmbedDocument(ctx, content)
	if err != nil {
		h.logger.Error("embedding ingest content", "error", err, "request_id", requestIDFromContext(ctx))
		writeError(w, http.StatusBadGateway, "embedding_failed", "could not embed content; entry not stored")
		return
	}

	category, tags, summary := req.Category, req.Tags, req.Summary
	if category == "" || len(tags) == 0 {
		analysis := h.classify(r, content, embedding)
		if category == "" {
			category = analysis.Category
		}
		if len(tags) == 0 {
			tags = analysis.Tags
		}
		if summary == "" {
			summary = analysis.Summary
		}
	}

	ids, err := h.store.Add(ctx, []knowledge.Entry{{
		Content:            content,
		Category:           category,
		Tags:               tags,
		Summary:            summary,
		EntryType:          "manual",
		Confidence:         1.0,
		SourceURL:          req.SourceURL,
		HasScreenshot:      req.HasScreenshot,
		VerificationStatus: knowledge.VerifiedHuman,
	}}, [][]float32{embedding})
	if err != nil {
		h.logger.Error("storing ingested entry", "error", err, "request_id", requestIDFromContext(ctx))
		writeError(w, http.StatusInternalServerError, "store_failed", "could not store entry")
		return
	}
	id := ids[0]

	h.recordFeedback(id, summary, req.AIPrediction, category, tags)

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"message": "knowledge entry stored",
		"id":      id,
	})
}

// classify runs the gateway analysis with few-shot examples from verified
// neighbors. Both lookups are best-effort; a degraded classification is
// better than a rejected submission.
func (h *knowledgeHandler) classify(r *http.Request, content string, embedding []float32) gateway.Analysis {
	ctx := r.Context()

	var examples []gateway.Example
	if embedding != nil {
		similar, err := h.store.FindSimilarVerified(ctx, embedding, fewShotExamples)
		if err != nil {
			h.logger.Warn("looking up few-shot examples", "error", err)
		}
		for _, m := range similar {
			examples = append(examples, gateway.Example{
				Content:  m.Content,
				Category: m.Category,
				Tags:     m.Tags,
			})
		}
	}

	analysis, err := h.gateway.Analyze(ctx, content, examples)
	if err != nil {
		h.logger.Warn("analysis failed, storing without classification", "error", err)
		return gateway.Analysis{Category: "general", Tags: []string{"general", "uncategorized"}}
	}
	return analysis
}

// recordFeedback diffs the model's prediction against the human's final
// values. Best-effort: the entry is already stored.
func (h *knowledgeHandler) recordFeedback(id uuid.UUID, summary string, pred *predictionPayload, category string, tags []string) {
	if pred == nil {
		return
	}
	_, err := h.learning.Record(id, summary,
		learning.Prediction{Category: pred.Category, Tags: pred.Tags},
		learning.Prediction{Category: category, Tags: tags},
	)
	if err != nil {
		h.logger.Error("recording learning event", "error", err, "entry_id", id)
	}
}

type analyzeRequest struct {
	Text      string `json:"text"`
	SourceURL string `json:"source_url"`
}

// analyze classifies text without persisting anything. The dashboard calls
// this to prefill the ingest form.
func (h *knowledgeHandler) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	content := redact.Redact(req.Text)

	// Few-shot needs an embedding; skip examples if it fails rather than
	// failing the whole classification.
	embedding, err := h.gateway.EmbedDocument(r.Context(), content)
	if err != nil {
		h.logger.Warn("embedding for analyze few-shot", "error", err)
		embedding = nil
	}

	analysis := h.classify(r, content, embedding)
	writeJSON(w, http.StatusOK, analysis)
}

type redactRequest struct {
	Text string `json:"text"`
}

// redactPreview shows what the redaction filter would do to text. Used by
// the dashboard so curators can check nothing sensitive slips through.
func (h *knowledgeHandler) redactPreview(w http.ResponseWriter, r *http.Request) {
	var req redactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"redacted": redact.Redact(req.Text),
	})
}

// recent lists entries newest-first; with deleted_only=true it lists the
// recycle bin instead.
func (h *knowledgeHandler) recent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deletedOnly := r.URL.Query().Get("deleted_only") == "true"

	entries, err := h.store.Recent(r.Context(), limit, deletedOnly)
	if err != nil {
		h.logger.Error("listing recent entries", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "could not list entries")
		return
	}
	if entries == nil {
		entries = []knowledge.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"count":        len(entries),
		"deleted_only": deletedOnly,
	})
}

// trending reports the most frequent tags across recent entries.
func (h *knowledgeHandler) trending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tags, err := h.store.TagFrequency(r.Context(), limit)
	if err != nil {
		h.logger.Error("computing trending tags", "error", err)
		writeError(w, http.StatusInternalServerError, "trending_failed", "could not compute trending tags")
		return
	}
	if tags == nil {
		tags = []knowledge.TagCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

type updateRequest struct {
	Category      *string            `json:"category"`
	Tags          []string           `json:"tags"`
	Summary       *string            `json:"summary"`
	HasScreenshot *bool              `json:"has_screenshot"`
	Text          *string            `json:"text"`
	AIPrediction  *predictionPayload `json:"ai_prediction,omitempty"`
}

// update applies a partial edit. Any human edit marks the entry
// verified_human. New text re-embeds; metadata-only edits leave the
// content and vector untouched.
func (h *knowledgeHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	upd := knowledge.UpdateFields{
		Category:      req.Category,
		Tags:          req.Tags,
		Summary:       req.Summary,
		HasScreenshot: req.HasScreenshot,
	}

	if req.Text != nil {
		content := redact.Redact(*req.Text)
		embedding, err := h.gateway.EmbedDocument(r.Context(), content)
		if err != nil {
			h.logger.Error("re-embedding updated content", "error", err, "entry_id", id)
			writeError(w, http.StatusBadGateway, "embedding_failed", "could not embed new content; entry unchanged")
			return
		}
		upd.Content = &content
		upd.Embedding = embedding
	}

	entry, err := h.store.Update(r.Context(), id, upd)
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
		return
	}
	if err != nil {
		h.logger.Error("updating entry", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "update_failed", "could not update entry")
		return
	}

	h.recordFeedback(id, entry.Summary, req.AIPrediction, entry.Category, entry.Tags)

	writeJSON(w, http.StatusOK, entry)
}

// softDelete moves an entry to the recycle bin.
func (h *knowledgeHandler) softDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.store.SoftDelete(r.Context(), id)
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
		return
	}
	if err != nil {
		h.logger.Error("soft-deleting entry", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "delete_failed", "could not delete entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "entry moved to recycle bin"})
}

// restore brings a soft-deleted entry back.
func (h *knowledgeHandler) restore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.store.Restore(r.Context(), id)
	if errors.Is(err, knowledge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "knowledge entry not found")
		return
	}
	if err != nil {
		h.logger.Error("restoring entry", "error", err, "entry_id", id)
		writeError(w, http.StatusInternalServerError, "restore_failed", "could not restore entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "entry restored"})
}
