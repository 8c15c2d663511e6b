package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/weaverhq/knowledge-weaver/internal/gateway"
	"github.com/weaverhq/knowledge-weaver/internal/pipeline"
)

type chatHandler struct {
	pipeline Processor
	logger   *slog.Logger
}

type processRequest struct {
	Messages []gateway.Message `json:"messages"`
	Platform string            `json:"platform"`
}

// process runs a batch of chat messages through redaction, extraction,
// and storage. A batch from which nothing could be extracted is not an
// error from the client's point of view; it gets a 200 with zero counts.
func (h *chatHandler) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.pipeline.Process(r.Context(), req.Messages, req.Platform)
	switch {
	case errors.Is(err, pipeline.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, "empty_batch", "messages must not be empty")
		return
	case errors.Is(err, pipeline.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, "batch_too_large", "batch exceeds the maximum message count")
		return
	case errors.Is(err, pipeline.ErrNoCandidates):
		writeJSON(w, http.StatusOK, map[string]any{
			"success_count": 0,
			"failed_count":  0,
			"message":       "no knowledge candidates found in batch",
		})
		return
	case err != nil:
		h.logger.Error("processing chat batch", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "processing_failed", "could not process chat batch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success_count": result.SuccessCount,
		"failed_count":  result.FailedCount,
		"errors":        result.Errors,
		"processed_ids": result.ProcessedIDs,
	})
}
