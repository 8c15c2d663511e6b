package query

import (
	"encoding/json"
	"fmt"
	"sort"
)

func unmarshalLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decoding log line: %w", err)
	}
	return nil
}

// sortGaps orders gaps by count descending, then most recently asked.
func sortGaps(gaps []Gap) {
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Count != gaps[j].Count {
			return gaps[i].Count > gaps[j].Count
		}
		return gaps[i].LastAsked.After(gaps[j].LastAsked)
	})
}
