package retrieval

import "sort"

// DefaultRRFK is the Reciprocal Rank Fusion constant. Larger values flatten
// the advantage of top positions.
const DefaultRRFK = 60

// Fuse merges a keyword and a vector ranking with Reciprocal Rank Fusion:
// score(id) = sum over lists of 1/(k + rank), rank 1-based. An id repeated
// within one list counts once, at its first position. Either list may be
// empty; a single list passes through the same transform.
//
// Output is ordered by score DESC, UpdatedAt DESC, ID ASC.
func Fuse(k int, keyword, vector []Hit) []Ranked {
	if k <= 0 {
		k = DefaultRRFK
	}

	byID := make(map[int64]*Ranked, len(keyword)+len(vector))
	order := make([]int64, 0, len(keyword)+len(vector))

	add := func(hits []Hit, setRank func(*Ranked, int)) {
		seen := make(map[int64]bool, len(hits))
		for i, h := range hits {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			rank := i + 1

			r, ok := byID[h.ID]
			if !ok {
				r = &Ranked{ID: h.ID}
				byID[h.ID] = r
				order = append(order, h.ID)
			}
			r.Score += 1 / float64(k+rank)
			if h.UpdatedAt.After(r.UpdatedAt) {
				r.UpdatedAt = h.UpdatedAt
			}
			setRank(r, rank)
		}
	}
	add(keyword, func(r *Ranked, rank int) { r.KeywordRank = rank })
	add(vector, func(r *Ranked, rank int) { r.VectorRank = rank })

	out := make([]Ranked, len(order))
	for i, id := range order {
		out[i] = *byID[id]
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return out
}
