// Package redact scrubs personally identifiable fragments from text before
// it is persisted or sent to an external model.
//
// Redact is pure and idempotent: running it twice yields the same output,
// and sentinel tokens never re-match their own pattern class. It favors
// false positives over false negatives — better to redact too much than to
// let a participant identifier reach an external API.
package redact

import "regexp"

// Sentinel tokens substituted for each pattern class.
const (
	EmailRedacted         = "[EMAIL_REDACTED]"
	PhoneRedacted         = "[PHONE_REDACTED]"
	SSNRedacted           = "[SSN_REDACTED]"
	ParticipantIDRedacted = "[PARTICIPANT_ID_REDACTED]"
	EmployeeIDRedacted    = "[EMPLOYEE_ID_REDACTED]"
	IDRedacted            = "[ID_REDACTED]"

	// Role handles are replaced by functional role nouns rather than
	// sentinels so extracted knowledge stays readable.
	RoleQuestioner = "Questioner"
	RoleRespondent = "Respondent"
)

// rule pairs a compiled pattern with its replacement. Rules are applied in
// order; specific ID patterns run before the generic "ID:" fallback so the
// fallback only catches what the specific ones missed.
type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

var rules = []rule{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), EmailRedacted},
	{regexp.MustCompile(`\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`), PhoneRedacted},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), SSNRedacted},
	{regexp.MustCompile(`(?i)(?:participant|patient|member)\s*ID[:\s]+\w{5,}`), ParticipantIDRedacted},
	{regexp.MustCompile(`(?i)(?:employee|emp|staff)\s*ID[:\s]+\w{5,}`), EmployeeIDRedacted},
	{regexp.MustCompile(`(?i)\bID[:\s]+[A-Z0-9]{5,}\b`), IDRedacted},
	{regexp.MustCompile(`(?i)\b(?:Agent|Representative|Support)_[A-Za-z0-9]+\b`), RoleQuestioner},
	{regexp.MustCompile(`(?i)\b(?:Lead|Supervisor|Manager)_[A-Za-z0-9]+\b`), RoleRespondent},
}

// Redact replaces every match of a known PII pattern with its sentinel.
// Empty input is returned unchanged; unmatched patterns are skipped.
func Redact(text string) string {
	if text == "" {
		return text
	}
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// RedactAll redacts a batch of texts, preserving order.
func RedactAll(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = Redact(t)
	}
	return out
}
