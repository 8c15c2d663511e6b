// Package learning tracks how often human curators correct the model's
// classifications, so the extraction prompts and dashboards can surface
// where the model keeps getting it wrong.
//
// Two artifacts are maintained:
//   - an append-only JSONL event log (full history, flock-guarded)
//   - a bounded JSON snapshot with running stats (EMA error rate, a capped
//     time series, learned tags, and the most recent events)
package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaverhq/knowledge-weaver/internal/jsonl"
)

const (
	// initialErrorRate seeds the EMA before any feedback exists
	// (baseline accuracy 0.95).
	initialErrorRate = 0.05

	// correctionPenalty is added to the error rate on a category correction.
	correctionPenalty = 0.05

	// decayFactor shrinks the error rate when feedback arrives without a
	// category correction.
	decayFactor = 0.9

	// Error rate clamp bounds.
	minErrorRate = 0.01
	maxErrorRate = 1.0

	// maxSeriesPoints caps the snapshot time series.
	maxSeriesPoints = 50

	// maxSnapshotEvents caps how many recent events the snapshot keeps.
	// The JSONL log retains the full history.
	maxSnapshotEvents = 100

	// topLearnedTags is how many learned tags Stats reports.
	topLearnedTags = 10
)

// ChangeType classifies one field-level difference.
type ChangeType string

const (
	// Correction means the human replaced the model's value outright.
	Correction ChangeType = "correction"

	// Refinement means the human kept the model's value but added to it.
	Refinement ChangeType = "refinement"
)

// Prediction is a classification, from either the model or a human.
type Prediction struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// FieldChange is one field-level diff between prediction and ground truth.
type FieldChange struct {
	Field      string     `json:"field"`
	ChangeType ChangeType `json:"change_type"`
	AIValue    any        `json:"ai_value"`
	HumanValue any        `json:"human_value"`
}

// Event records one curation episode that changed something.
type Event struct {
	EventID   uuid.UUID     `json:"event_id"`
	Timestamp time.Time     `json:"timestamp"`
	EntryID   uuid.UUID     `json:"entry_id"`
	Summary   string        `json:"summary"`
	Changes   []FieldChange `json:"changes"`
}

// SeriesPoint is one sample of the error-rate time series.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorRate float64   `json:"error_rate"`
	Accuracy  float64   `json:"accuracy"`
}

// TagCount pairs a learned tag with how often humans added it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats is the dashboard view of the learning loop.
type Stats struct {
	TotalEvents      int           `json:"total_events"`
	TotalCorrections int           `json:"total_corrections"`
	TotalRefinements int           `json:"total_refinements"`
	ErrorRate        float64       `json:"error_rate"`
	Accuracy         float64       `json:"accuracy"`
	Series           []SeriesPoint `json:"series"`
	TopLearnedTags   []TagCount    `json:"top_learned_tags"`
}

// snapshot is the persisted JSON stats file.
type snapshot struct {
	TotalEvents      int            `json:"total_events"`
	TotalCorrections int            `json:"total_corrections"`
	TotalRefinements int            `json:"total_refinements"`
	ErrorRate        float64        `json:"error_rate"`
	Series           []SeriesPoint  `json:"series"`
	LearnedTags      map[string]int `json:"learned_tags"`
	Events           []Event        `json:"events"` // newest last, bounded
}

// Tracker owns the learning event log and stats snapshot.
//
// Tracker is safe for concurrent use by multiple goroutines; the snapshot
// read-modify-write cycle runs under an internal mutex.
type Tracker struct {
	events       *jsonl.Appender
	snapshotPath string
	logger       *slog.Logger
	now          func() time.Time

	mu sync.Mutex
}

// NewTracker creates a Tracker. events receives every recorded Event;
// snapshotPath holds the bounded stats JSON.
func NewTracker(events *jsonl.Appender, snapshotPath string, logger *slog.Logger) (*Tracker, error) {
	if events == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if snapshotPath == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		events:       events,
		snapshotPath: snapshotPath,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Record compares the model's prediction against the human's final values
// and persists an event when they differ.
//
// Diff semantics:
//   - category mismatch -> a "correction" on the category field
//   - human tags absent from the AI tags -> a "refinement" on the tags
//     field (those tags are counted as learned)
//
// A prediction the human left untouched records nothing and returns
// (nil, nil).
func (t *Tracker) Record(entryID uuid.UUID, summary string, aiPred, human Prediction) (*Event, error) {
	changes := diff(aiPred, human)
	if len(changes) == 0 {
		return nil, nil
	}

	event := Event{
		EventID:   uuid.New(),
		Timestamp: t.now(),
		EntryID:   entryID,
		Summary:   summary,
		Changes:   changes,
	}

	if err := t.events.Append(event); err != nil {
		return nil, fmt.Errorf("appending learning event: %w", err)
	}

	if err := t.updateSnapshot(event); err != nil {
		// The event is already in the durable log; a snapshot failure is
		// recoverable and must not fail the caller's update.
		t.logger.Error("updating learning snapshot", "error", err, "event_id", event.EventID)
	}

	return &event, nil
}

// diff computes field changes between prediction and ground truth.
func diff(aiPred, human Prediction) []FieldChange {
	var changes []FieldChange

	if human.Category != "" && human.Category != aiPred.Category {
		changes = append(changes, FieldChange{
			Field:      "category",
			ChangeType: Correction,
			AIValue:    aiPred.Category,
			HumanValue: human.Category,
		})
	}

	if added := addedTags(aiPred.Tags, human.Tags); len(added) > 0 {
		changes = append(changes, FieldChange{
			Field:      "tags",
			ChangeType: Refinement,
			AIValue:    aiPred.Tags,
			HumanValue: added,
		})
	}

	return changes
}

// addedTags returns human tags that the model did not predict.
func addedTags(aiTags, humanTags []string) []string {
	have := make(map[string]struct{}, len(aiTags))
	for _, tag := range aiTags {
		have[tag] = struct{}{}
	}
	var added []string
	for _, tag := range humanTags {
		if tag == "" {
			continue
		}
		if _, ok := have[tag]; !ok {
			added = append(added, tag)
		}
	}
	return added
}

// updateSnapshot applies one event to the persisted stats.
func (t *Tracker) updateSnapshot(event Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.loadSnapshot()
	if err != nil {
		return err
	}

	snap.TotalEvents++
	corrected := false
	for _, c := range event.Changes {
		switch c.ChangeType {
		case Correction:
			snap.TotalCorrections++
			corrected = true
		case Refinement:
			snap.TotalRefinements++
			if tags, ok := c.HumanValue.([]string); ok {
				for _, tag := range tags {
					snap.LearnedTags[tag]++
				}
			}
		}
	}

	if corrected {
		snap.ErrorRate += correctionPenalty
	} else {
		snap.ErrorRate *= decayFactor
	}
	snap.ErrorRate = clamp(snap.ErrorRate, minErrorRate, maxErrorRate)

	snap.Series = append(snap.Series, SeriesPoint{
		Timestamp: event.Timestamp,
		ErrorRate: snap.ErrorRate,
		Accuracy:  1 - snap.ErrorRate,
	})
	if len(snap.Series) > maxSeriesPoints {
		snap.Series = snap.Series[len(snap.Series)-maxSeriesPoints:]
	}

	snap.Events = append(snap.Events, event)
	if len(snap.Events) > maxSnapshotEvents {
		snap.Events = snap.Events[len(snap.Events)-maxSnapshotEvents:]
	}

	return t.storeSnapshot(snap)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// loadSnapshot reads the stats file; a missing file yields fresh defaults.
// Caller must hold t.mu.
func (t *Tracker) loadSnapshot() (*snapshot, error) {
	snap := &snapshot{
		ErrorRate:   initialErrorRate,
		LearnedTags: make(map[string]int),
	}

	data, err := os.ReadFile(t.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.LearnedTags == nil {
		snap.LearnedTags = make(map[string]int)
	}
	return snap, nil
}

// storeSnapshot writes the stats file atomically (temp file + rename).
// Caller must hold t.mu.
func (t *Tracker) storeSnapshot(snap *snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := t.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, t.snapshotPath); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// History returns the most recent events, newest first, up to limit.
// Served from the bounded snapshot; the JSONL log keeps the full history.
func (t *Tracker) History(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.loadSnapshot()
	if err != nil {
		return nil, err
	}

	events := snap.Events
	out := make([]Event, 0, min(limit, len(events)))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

// Stats returns the current learning stats.
func (t *Tracker) Stats() (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.loadSnapshot()
	if err != nil {
		return Stats{}, err
	}

	// No feedback yet: report a neutral baseline rather than the EMA seed.
	errorRate := snap.ErrorRate
	if snap.TotalEvents == 0 {
		errorRate = initialErrorRate
	}

	tags := make([]TagCount, 0, len(snap.LearnedTags))
	for tag, n := range snap.LearnedTags {
		tags = append(tags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > topLearnedTags {
		tags = tags[:topLearnedTags]
	}

	return Stats{
		TotalEvents:      snap.TotalEvents,
		TotalCorrections: snap.TotalCorrections,
		TotalRefinements: snap.TotalRefinements,
		ErrorRate:        errorRate,
		Accuracy:         1 - errorRate,
		Series:           snap.Series,
		TopLearnedTags:   tags,
	}, nil
}
