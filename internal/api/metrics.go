package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/weaverhq/knowledge-weaver/internal/learning"
	"github.com/weaverhq/knowledge-weaver/internal/query"
)

const dashboardGapLimit = 5

type metricsHandler struct {
	store    KnowledgeStore
	queries  QueryService
	learning LearningTracker
	logger   *slog.Logger
}

// queryLog serves raw query-log entries for a date range.
// start_date and end_date are YYYY-MM-DD; end_date is inclusive.
func (h *metricsHandler) queryLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var start, end time.Time
	if raw := q.Get("start_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "start_date must be YYYY-MM-DD")
			return
		}
		start = t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "end_date must be YYYY-MM-DD")
			return
		}
		end = t.AddDate(0, 0, 1)
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := h.queries.Logs(start, end, limit)
	if err != nil {
		h.logger.Error("reading query log", "error", err)
		writeError(w, http.StatusInternalServerError, "log_read_failed", "could not read query log")
		return
	}
	if entries == nil {
		entries = []query.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queries": entries,
		"count":   len(entries),
	})
}

// dashboard aggregates the numbers the curation dashboard shows on its
// landing page: corpus size, verification ratio, recent query volume,
// and the top unanswered queries.
func (h *metricsHandler) dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("reading knowledge stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats_failed", "could not read knowledge stats")
		return
	}

	volume, err := h.queries.Volume(query.DefaultGapWindowDays)
	if err != nil {
		h.logger.Error("reading query volume", "error", err)
		writeError(w, http.StatusInternalServerError, "stats_failed", "could not read query volume")
		return
	}

	// The displayed gap list is short; the count covers the whole window.
	gaps, err := h.queries.Gaps(dashboardGapLimit, query.DefaultGapWindowDays)
	if err != nil {
		h.logger.Error("computing knowledge gaps", "error", err)
		writeError(w, http.StatusInternalServerError, "stats_failed", "could not compute knowledge gaps")
		return
	}
	if gaps == nil {
		gaps = []query.Gap{}
	}
	gapCount, err := h.queries.GapCount(query.DefaultGapWindowDays)
	if err != nil {
		h.logger.Error("counting knowledge gaps", "error", err)
		writeError(w, http.StatusInternalServerError, "stats_failed", "could not count knowledge gaps")
		return
	}

	var ratio float64
	if stats.Total > 0 {
		ratio = float64(stats.Verified) / float64(stats.Total)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_knowledge":   stats.Total,
		"verified_count":    stats.Verified,
		"verified_ratio":    ratio,
		"query_volume_7d":   volume,
		"knowledge_gaps_7d": gapCount,
		"recent_gaps":       gaps,
	})
}

// learningHistory lists recent curation-feedback events, newest first.
func (h *metricsHandler) learningHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.learning.History(limit)
	if err != nil {
		h.logger.Error("reading learning history", "error", err)
		writeError(w, http.StatusInternalServerError, "history_failed", "could not read learning history")
		return
	}
	if events == nil {
		events = []learning.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// learningStats reports the model-improvement snapshot.
func (h *metricsHandler) learningStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.learning.Stats()
	if err != nil {
		h.logger.Error("reading learning stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats_failed", "could not read learning stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
