package vectorindex

import "sort"

// Default reciprocal rank fusion parameters for hybrid retrieval.
const (
	DefaultDenseWeight  = 0.7
	DefaultSparseWeight = 0.3
	DefaultRRFK         = 60
)

// Fuse merges ranked result lists with reciprocal rank fusion. Each
// list must be ordered best-first; list i is weighted by weights[i],
// missing weights count as 1. A hit appearing in several lists
// accumulates w/(k+rank) per appearance with rank starting at 1, and
// keeps the payload of its first appearance. The returned hits are
// ordered by fused score descending, ties resolved by first
// appearance.
func Fuse(lists [][]Hit, weights []float64, k int) []Hit {
	if k <= 0 {
		k = DefaultRRFK
	}

	scores := make(map[string]float64)
	details := make(map[string]Hit)
	var order []string

	for i, hits := range lists {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		for rank, h := range hits {
			if h.ID == "" {
				continue
			}
			scores[h.ID] += w / float64(k+rank+1)
			if _, seen := details[h.ID]; !seen {
				details[h.ID] = h
				order = append(order, h.ID)
			}
		}
	}

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		h := details[id]
		h.FusedScore = scores[id]
		out = append(out, h)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].FusedScore > out[b].FusedScore })
	return out
}
