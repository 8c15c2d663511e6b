package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/weaverhq/knowledge-weaver/internal/knowledge"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

type queryHandler struct {
	queries QueryService
	logger  *slog.Logger
}

type queryRequest struct {
	Query        string `json:"query"`
	VerifiedOnly bool   `json:"verified_only"`
}

// runQuery answers a knowledge query. A degraded backend (embedding or
// search failure) still returns 200 with empty matches so callers can
// render "no results" instead of an error page; the miss is already in
// the query log for gap analysis.
func (h *queryHandler) runQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.queries.Query(r.Context(), req.Query, req.VerifiedOnly)
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty")
		return
	case errors.Is(err, query.ErrDegraded):
		h.logger.Warn("serving degraded query result", "error", err, "request_id", requestIDFromContext(r.Context()))
	case err != nil:
		h.logger.Error("running query", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "query_failed", "could not run query")
		return
	}

	if result.Matches == nil {
		result.Matches = []knowledge.Match{}
	}
	writeJSON(w, http.StatusOK, result)
}
