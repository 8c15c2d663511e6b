package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Example is a verified entry used as a few-shot hint for classification.
type Example struct {
	Content  string
	Category string
	Tags     []string
}

// Analysis is the model's classification of a piece of text.
// Tags always has at least MinTags entries.
type Analysis struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Summary  string   `json:"summary"`
}

// MinTags is the minimum number of tags every analysis carries.
const MinTags = 2

// fallbackCategory is used when the model output cannot be parsed.
const fallbackCategory = "general"

// maxFallbackSummary bounds the synthesized summary when degrading.
const maxFallbackSummary = 200

const analyzePromptHeader = `You are a knowledge classification system.
Classify the text below and respond ONLY with a JSON object with keys:
- "category": a single lowercase topic word or short phrase
- "tags": an array of at least two short lowercase tags
- "summary": one sentence summarizing the text

`

// Analyze classifies text into a category, tags, and summary, optionally
// guided by few-shot examples from verified entries.
//
// Analyze never fails on malformed model output: parse failures degrade to
// a synthesized Analysis so manual ingestion keeps working. Only transport
// errors (retries exhausted) are returned.
func (g *Gateway) Analyze(ctx context.Context, text string, examples []Example) (Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, fmt.Errorf("text is required")
	}

	var b strings.Builder
	b.WriteString(analyzePromptHeader)
	if len(examples) > 0 {
		b.WriteString("Previously verified classifications for similar content:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "- category=%q tags=%q: %s\n", ex.Category, strings.Join(ex.Tags, ","), ex.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(text)

	var raw string
	err := g.withRetry(ctx, "analyze", func(ctx context.Context) error {
		out, genErr := g.generate(ctx, b.String())
		if genErr != nil {
			return genErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return Analysis{}, err
	}

	analysis, parseErr := parseAnalysis(raw)
	if parseErr != nil {
		g.logger.Warn("analysis response not parseable, degrading", "error", parseErr)
		analysis = Analysis{
			Category: fallbackCategory,
			Summary:  synthesizeSummary(text),
		}
	}
	analysis.Tags = padTags(analysis.Tags, analysis.Category)
	return analysis, nil
}

// parseAnalysis decodes a JSON object from model output, tolerating markdown
// fences and surrounding prose.
func parseAnalysis(raw string) (Analysis, error) {
	jsonText, err := extractJSON(raw, '{', '}')
	if err != nil {
		return Analysis{}, err
	}

	var a Analysis
	if err := json.Unmarshal([]byte(jsonText), &a); err != nil {
		return Analysis{}, fmt.Errorf("decoding analysis: %w", err)
	}

	a.Category = strings.ToLower(strings.TrimSpace(a.Category))
	if a.Category == "" {
		a.Category = fallbackCategory
	}
	a.Summary = strings.TrimSpace(a.Summary)

	cleaned := a.Tags[:0]
	for _, tag := range a.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			cleaned = append(cleaned, tag)
		}
	}
	a.Tags = cleaned
	return a, nil
}

// padTags guarantees the MinTags floor by deriving filler tags from the
// category when the model returned too few.
func padTags(tags []string, category string) []string {
	if category == "" {
		category = fallbackCategory
	}
	fillers := []string{category, "uncategorized", "needs-review"}
	for _, f := range fillers {
		if len(tags) >= MinTags {
			break
		}
		if !containsTag(tags, f) {
			tags = append(tags, f)
		}
	}
	return tags
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// synthesizeSummary produces a degraded one-line summary from raw text.
func synthesizeSummary(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxFallbackSummary {
		text = text[:maxFallbackSummary]
	}
	return text
}
