package search

import (
	"sort"
)

// rankedList is one retrieval list entering fusion: chunk hashes in rank
// order plus the weight of the list's source query.
type rankedList struct {
	// Weight multiplies this list's rank contributions. Original-query
	// lists carry OriginalBoost, variant lists 1.0, further scaled by the
	// probe nudge.
	Weight float64

	// IDs are chunk hashes, best first.
	IDs []string

	// Terms are the matched query terms per hash, lexical lists only.
	Terms map[string][]string
}

// fusedCandidate is one chunk hash after fusion.
type fusedCandidate struct {
	ChunkHash    string
	Score        float64
	Lists        int
	BestRank     int
	MatchedTerms []string
}

// fuse combines ranked lists with weighted reciprocal rank fusion:
//
//	score(id) = Σ_lists weight(list) / (k + rank_in_list)
//
// with 1-indexed ranks. Candidates absent from a list simply receive no
// contribution from it. Output is sorted by score descending with
// deterministic tie-breaks and normalized so the best candidate scores 1.0.
func fuse(lists []rankedList, k int) []fusedCandidate {
	if k <= 0 {
		k = DefaultConfig().RRFK
	}

	byID := make(map[string]*fusedCandidate)
	for _, list := range lists {
		weight := list.Weight
		if weight <= 0 {
			weight = 1.0
		}
		for i, id := range list.IDs {
			rank := i + 1
			c, ok := byID[id]
			if !ok {
				c = &fusedCandidate{ChunkHash: id, BestRank: rank}
				byID[id] = c
			}
			c.Score += weight / float64(k+rank)
			c.Lists++
			if rank < c.BestRank {
				c.BestRank = rank
			}
			if terms, ok := list.Terms[id]; ok && len(terms) > len(c.MatchedTerms) {
				c.MatchedTerms = terms
			}
		}
	}

	out := make([]fusedCandidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Consensus across lists first, then earliest best rank, then the
		// hash for determinism.
		if a.Lists != b.Lists {
			return a.Lists > b.Lists
		}
		if a.BestRank != b.BestRank {
			return a.BestRank < b.BestRank
		}
		return a.ChunkHash < b.ChunkHash
	})

	if len(out) > 0 && out[0].Score > 0 {
		max := out[0].Score
		for i := range out {
			out[i].Score /= max
		}
	}
	return out
}

// normalizeMinMax maps values onto [0,1]. A constant slice maps to all 1.0
// so a degenerate rerank pass cannot zero out the blend.
func normalizeMinMax(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	if max == min {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
