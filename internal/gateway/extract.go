package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntryType classifies how a piece of knowledge was captured.
type EntryType string

const (
	EntryQA       EntryType = "qa"
	EntryPolicy   EntryType = "policy"
	EntryDecision EntryType = "decision"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryQA, EntryPolicy, EntryDecision:
		return true
	}
	return false
}

// Message is a single chat message submitted for extraction.
// Text is expected to be redacted before it reaches the gateway.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is one knowledge item extracted from a chat batch.
type Candidate struct {
	EntryType    EntryType `json:"entry_type"`
	Content      string    `json:"content"`
	Confidence   float64   `json:"confidence"`
	Participants []string  `json:"participants"`
	SourceIDs    []string  `json:"source_ids"`
}

// fallbackConfidence is assigned when the model response cannot be parsed
// as structured candidates and the raw text is kept instead.
const fallbackConfidence = 0.3

const extractPromptHeader = `You are a knowledge extraction system for workplace chat transcripts.
Identify self-contained pieces of organizational knowledge in the transcript below.

Each item must be one of:
- "qa": a question that received a substantive answer
- "policy": a stated rule, guideline, or procedure
- "decision": an agreed-upon outcome or resolution

Rules:
- Refer to people only by functional role (Questioner, Respondent), never by name or handle.
- Each item's "content" must be understandable without the transcript.
- "confidence" is your certainty from 0.0 to 1.0.
- "source_ids" lists the message ids the item was drawn from.

Respond ONLY with a JSON array of objects with keys:
entry_type, content, confidence, participants, source_ids.
If the transcript contains no extractable knowledge, respond with [].

Transcript:
`

// ExtractCandidates asks the model to mine knowledge items from a redacted
// message batch. An unparseable response degrades to a single low-confidence
// candidate carrying the raw model text, so upstream review can still see it.
func (g *Gateway) ExtractCandidates(ctx context.Context, msgs []Message) ([]Candidate, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages to extract from")
	}

	// One transcript line per message: id, timestamp, sender, content.
	var b strings.Builder
	b.WriteString(extractPromptHeader)
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", m.ID, m.Timestamp.Format(time.RFC3339), m.Author, m.Text)
	}

	var raw string
	err := g.withRetry(ctx, "extract", func(ctx context.Context) error {
		text, genErr := g.generate(ctx, b.String())
		if genErr != nil {
			return genErr
		}
		raw = text
		return nil
	})
	if err != nil {
		return nil, err
	}

	candidates, parseErr := parseCandidates(raw)
	if parseErr != nil {
		g.logger.Warn("extraction response not parseable, keeping raw text as low-confidence candidate",
			"error", parseErr)
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		return []Candidate{{
			EntryType:  EntryQA,
			Content:    strings.TrimSpace(raw),
			Confidence: fallbackConfidence,
			SourceIDs:  ids,
		}}, nil
	}
	return candidates, nil
}

// parseCandidates decodes a JSON array of candidates from model output,
// tolerating markdown fences and surrounding prose.
func parseCandidates(raw string) ([]Candidate, error) {
	jsonText, err := extractJSON(raw, '[', ']')
	if err != nil {
		return nil, err
	}

	var decoded []Candidate
	if err := json.Unmarshal([]byte(jsonText), &decoded); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}

	candidates := make([]Candidate, 0, len(decoded))
	for _, c := range decoded {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		if !c.EntryType.Valid() {
			c.EntryType = EntryQA
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			c.Confidence = fallbackConfidence
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// extractJSON pulls the outermost open..close span out of model output.
// Handles responses wrapped in markdown code fences or explanation text.
func extractJSON(raw string, open, close byte) (string, error) {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, close)
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no %c...%c span in model output", open, close)
	}
	return raw[start : end+1], nil
}
