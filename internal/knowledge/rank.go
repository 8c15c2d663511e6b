package knowledge

import "sort"

// rerank applies the verification-aware ranking to raw similarity matches:
// drop matches below threshold, then order verified entries ahead of
// unverified ones, by similarity descending within each group. The sort is
// stable so equal-similarity entries keep their database order.
func rerank(matches []Match, topK int, threshold float64) []Match {
	kept := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Similarity >= threshold {
			kept = append(kept, m)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		vi, vj := kept[i].Verified(), kept[j].Verified()
		if vi != vj {
			return vi
		}
		return kept[i].Similarity > kept[j].Similarity
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
